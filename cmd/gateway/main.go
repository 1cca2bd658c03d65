package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/gatewaytest"
	"github.com/valsssa/TutorHub-sub003/internal/model"
)

// Runs the in-memory messaging gateway on a real port, seeded with demo
// users, so messenger sessions can be exercised without the platform backend.
func main() {
	var (
		addr   = flag.String("addr", ":8080", "listen address")
		secret = flag.String("secret", "local-dev-secret", "token signing secret")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	srv := gatewaytest.NewServer(*secret, logger)
	seedDemo(srv)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("dev gateway listening", zap.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("gateway server error: %w", err)
		}
	}()

	printTokens(srv, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server failed", zap.Error(err))
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// sockets first, then the listener
	srv.Close()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	logger.Info("gateway stopped")
}

func seedDemo(srv *gatewaytest.Server) {
	srv.SeedUser(model.User{ID: "u-alex", Name: "Alex Kim", Role: "student"})
	srv.SeedUser(model.User{ID: "u-maria", Name: "Maria Ortiz", Role: "tutor"})
	srv.SeedUser(model.User{ID: "u-james", Name: "James Lee", Role: "tutor"})

	srv.SeedMessage("u-maria", "u-alex", "", "Hi Alex, how did the practice set go?")
	srv.SeedMessage("u-alex", "u-maria", "", "Mostly fine, question 4 was rough.")
	srv.SeedMessage("u-maria", "u-alex", "", "Bring it to our next session and we will work through it.")
	srv.SeedMessage("u-james", "u-alex", "bk-2031", "Reminder: algebra session tomorrow at 10am.")
}

// printTokens writes ready-to-paste session tokens for the seeded users.
func printTokens(srv *gatewaytest.Server, logger *zap.Logger) {
	for _, id := range []string{"u-alex", "u-maria", "u-james"} {
		token, err := srv.Token(id)
		if err != nil {
			logger.Warn("token mint failed", zap.String("userId", id), zap.Error(err))
			continue
		}
		fmt.Printf("%-8s TUTORHUB_GATEWAY_TOKEN=%s\n", id, token)
	}
}
