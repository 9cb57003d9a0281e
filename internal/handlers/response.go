package handlers

import (
  "net/http"

  "github.com/gin-gonic/gin"

  "github.com/mkld/ragchat-backend/internal/apierr"
)

type APIError struct {
  Message string `json:"message"`
  Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
  Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
  msg := "unknown error"
  if err != nil {
    msg = err.Error()
  }
  c.JSON(status, ErrorEnvelope{
    Error: APIError{
      Message: msg,
      Code:    code,
    },
  })
}

// RespondAPIError maps a service error onto the JSON error envelope using its
// apierr status and code.
func RespondAPIError(c *gin.Context, err error) {
  ae := apierr.From(err)
  status := ae.Status
  if status == 0 {
    status = http.StatusInternalServerError
  }
  RespondError(c, status, ae.Code, ae)
}

func RespondOK(c *gin.Context, payload any) {
  c.JSON(http.StatusOK, payload)
}
