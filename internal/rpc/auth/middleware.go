// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// contextKey is the Gin context key storing Info; its pmcore_ prefix keeps
// it apart from other middleware's context values.
const contextKey = "pmcore_auth_info"

// SetInfo stores the authenticated identity in the Gin context.
func SetInfo(c *gin.Context, info Info) {
	c.Set(contextKey, info)
}

// GetInfo retrieves the authenticated identity, if any, from the Gin
// context.
func GetInfo(c *gin.Context) (Info, bool) {
	v, ok := c.Get(contextKey)
	if !ok {
		return Info{}, false
	}
	info, ok := v.(Info)
	return info, ok
}

// Middleware authenticates every request against the x-api-key header.
// A missing or invalid key yields exactly
// {"error":"Unauthorized","message":"Valid API key required"} with a
// stable 401 body.
func Middleware(provider Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("x-api-key")

		info, err := provider.Authenticate(key)
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "Unauthorized",
					"message": "authentication failed",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "Valid API key required",
			})
			return
		}

		SetInfo(c, info)
		c.Next()
	}
}
