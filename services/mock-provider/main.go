package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stoik/mailbridge/internal/providermock"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	account := os.Getenv("MOCK_ACCOUNT")
	if account == "" {
		account = "student@example.com"
	}

	mock := providermock.New(account)
	mock.AutoIssueCodes(true)
	mock.RotateRefreshTokens(true)
	mock.Seed(25)

	r := gin.Default()

	// Admin endpoints for testing
	admin := r.Group("/admin")
	{
		admin.POST("/messages/seed", func(c *gin.Context) {
			var req struct {
				Count int `json:"count"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				// Fall back to query parameter
				req.Count, _ = strconv.Atoi(c.DefaultQuery("count", "1"))
			}
			if req.Count < 1 {
				req.Count = 1
			}
			mock.Seed(req.Count)
			c.JSON(http.StatusOK, gin.H{
				"added":   req.Count,
				"message": fmt.Sprintf("Added %d message(s)", req.Count),
			})
		})
		admin.POST("/tokens/expire", func(c *gin.Context) {
			mock.ExpireAccessTokens()
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	// Everything else is the provider itself
	r.NoRoute(gin.WrapH(mock.Handler()))

	addr := fmt.Sprintf(":%s", port)
	log.Printf("Starting Mailbridge mock provider for %s on %s", account, addr)
	log.Fatal(http.ListenAndServe(addr, r))
}
