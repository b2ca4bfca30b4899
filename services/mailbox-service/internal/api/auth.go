package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleStaff   = "staff"
	RoleStudent = "student"

	claimsKey  = "claims"
	studentKey = "studentID"
)

// Claims are carried by the bearer token of every /api request.
// Students are bound to their own StudentID; staff may address any student.
type Claims struct {
	Role      string `json:"role"`
	StudentID string `json:"student_id,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 bearer token. studentID is ignored for staff.
func IssueToken(secret, subject, role string, studentID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if role == RoleStudent {
		claims.StudentID = studentID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticate(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		var claims Claims
		if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
			unauthorized(c, "invalid bearer token")
			return
		}
		if claims.Subject == "" {
			unauthorized(c, "token has no subject")
			return
		}
		switch claims.Role {
		case RoleStaff:
		case RoleStudent:
			if _, err := uuid.Parse(claims.StudentID); err != nil {
				unauthorized(c, "student token without student id")
				return
			}
		default:
			unauthorized(c, "unknown role")
			return
		}

		c.Set(claimsKey, &claims)
		c.Next()
	}
}

func requireStaff(c *gin.Context) {
	if claimsFrom(c).Role != RoleStaff {
		forbidden(c)
		return
	}
	c.Next()
}

// scopeStudent resolves :studentId and keeps students to their own mailbox
func scopeStudent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("studentId"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid student id", "kind": "validation"})
		return
	}
	if claims := claimsFrom(c); claims.Role == RoleStudent && claims.StudentID != id.String() {
		forbidden(c)
		return
	}
	c.Set(studentKey, id)
	c.Next()
}

func claimsFrom(c *gin.Context) *Claims {
	if v, ok := c.Get(claimsKey); ok {
		return v.(*Claims)
	}
	return &Claims{}
}

func studentFrom(c *gin.Context) uuid.UUID {
	return c.MustGet(studentKey).(uuid.UUID)
}

// actor names the caller in audit entries
func actor(c *gin.Context) string {
	claims := claimsFrom(c)
	return claims.Role + ":" + claims.Subject
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "kind": "unauthenticated"})
}

func forbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied", "kind": "forbidden"})
}
