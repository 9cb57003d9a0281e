package requestdata

import (
  "context"
)

type ctxKey struct{}

var requestDataKey ctxKey

// RequestData carries the identity claims the auth middleware extracted from
// the session token. Chat endpoints trust these values.
type RequestData struct {
  UserID      int64
  WorkspaceID int64
  RoleID      int
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
  return context.WithValue(ctx, requestDataKey, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
  if rd, ok := ctx.Value(requestDataKey).(*RequestData); ok {
    return rd
  }
  return nil
}
