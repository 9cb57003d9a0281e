package services

// NormalizeOptions applies the inbound options rule: a literal
// `thinking: false` is stripped entirely, because absence (not false) is the
// "thinking disabled" signal downstream. The input map is not mutated.
func NormalizeOptions(options map[string]any) map[string]any {
  if options == nil {
    return nil
  }
  out := make(map[string]any, len(options))
  for k, v := range options {
    if k == "thinking" {
      if b, ok := v.(bool); ok && !b {
        continue
      }
    }
    out[k] = v
  }
  return out
}
