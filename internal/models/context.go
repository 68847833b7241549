package models

type contextKey string

// APIKeyContextKey holds the authenticated *APIKey on a request context.
const APIKeyContextKey contextKey = "api_key"
