// Package validation provides input validation for the HTTP surface.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/topupledger/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 1000

var (
	// idRegex matches ids accepted in URL params (uuids, order numbers, owner ids)
	idRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)
	// phoneRegex matches a mobile number with optional country prefix
	phoneRegex = regexp.MustCompile(`^\+?[0-9]{6,15}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

var registerOnce sync.Once

// RegisterBindings adds the "money", "signed_money" and "phone" tags to
// gin's validator so request structs can declare them in binding tags.
func RegisterBindings() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
			d, err := money.Parse(fl.Field().String())
			return err == nil && d.IsPositive()
		})
		_ = v.RegisterValidation("signed_money", func(fl validator.FieldLevel) bool {
			_, err := money.ParseSigned(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return IsValidPhone(fl.Field().String())
		})
	})
}

// IsValidID checks a URL id parameter.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// IsValidPhone checks a mobile number.
func IsValidPhone(s string) bool {
	return phoneRegex.MatchString(NormalizePhone(s))
}

// NormalizePhone strips spaces and dashes.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// List limits shared by the order and recharge listings.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ClampLimit maps a requested page size onto [1, MaxListLimit], with
// DefaultListLimit for a missing or non-positive value.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// IDParamMiddleware validates the named URL parameter on routes that use it.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			v := c.Param(name)
			if v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + name,
					"message": name + " contains invalid characters",
				})
				return
			}
		}
		c.Next()
	}
}

// BindError renders a binding or validation failure.
func BindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": err.Error(),
	})
}
