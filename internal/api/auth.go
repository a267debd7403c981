package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const userIDKey = "user_id"

// userClaims accepts both {"sub": "..."} and {"user": {"id": "..."}} tokens
type userClaims struct {
	User struct {
		ID   string `json:"id"`
		Role string `json:"role,omitempty"`
	} `json:"user"`
	jwt.RegisteredClaims
}

func (c *userClaims) userID() string {
	if c.User.ID != "" {
		return c.User.ID
	}
	return c.Subject
}

// JWTAuth authenticates "Authorization: Bearer <token>" HS256 tokens and
// stores the user ID on the gin context
func JWTAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := parseBearer(c.GetHeader("Authorization"), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthenticated",
				"details": err.Error(),
			})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func parseBearer(header string, secret []byte) (string, error) {
	tokenString, found := strings.CutPrefix(header, "Bearer ")
	if !found || tokenString == "" {
		return "", errors.New("missing bearer token")
	}

	claims := &userClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	userID := claims.userID()
	if userID == "" {
		return "", errors.New("token carries no user")
	}
	return userID, nil
}

// userID returns the authenticated user, or "" when the request has none
func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// SignToken issues a token for userID, used by tooling and tests
func SignToken(secret []byte, userID string, claims jwt.RegisteredClaims) (string, error) {
	uc := userClaims{RegisteredClaims: claims}
	uc.User.ID = userID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, uc).SignedString(secret)
}
