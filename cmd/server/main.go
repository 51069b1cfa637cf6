package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/presenton/auth-service/auth"
	"github.com/presenton/auth-service/auth/flowstate"
	"github.com/presenton/auth-service/auth/sessions"
	"github.com/presenton/auth-service/internal/config"
	"github.com/presenton/auth-service/internal/obs"
	"github.com/presenton/auth-service/oidc"
	"github.com/presenton/auth-service/server"
	"github.com/presenton/auth-service/users"
)

const sweepInterval = 5 * time.Minute

func main() {
	for {
		if err := run(); err != nil {
			log.Fatal().Err(err).Msg("Error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	setupLogging(c)
	if err := config.Validate(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	displayAppname(c.GetAppName())
	obs.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := buildServer(ctx, c)
	httpServer := &http.Server{Addr: c.GetPort(), Handler: handler}
	go listenAndServe(httpServer)
	waitForStopSignal()
	returnError = shutdown(httpServer)
	return returnError
}

func buildServer(ctx context.Context, c config.Config) *server.Server {
	resolver := oidc.NewMetadataResolver(c.GetIssuer(), c.GetMetadataTTL())
	keySet := oidc.NewKeySet(resolver)
	validator := oidc.NewValidator(keySet, c.GetIssuer(), c.GetClientID())

	flows := flowstate.NewInMemoryRepo(c.GetStateTTL())
	authService := auth.NewService(c, resolver, validator, flows)
	sessionStore := sessions.NewStore(sessions.NewInMemoryRepo(), authService, c.GetMaxSessionAge())
	authService.UseSessionStore(sessionStore)
	sessionStore.StartSweeper(ctx, sweepInterval)

	var basicProvider *auth.BasicProvider
	if c.IsBasicAuthEnabled() {
		basicProvider = auth.NewBasicProvider(users.NewInMemoryRepo())
	}

	return server.New(c, authService, basicProvider, sessionStore)
}

func setupLogging(c config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func listenAndServe(httpServer *http.Server) error {
	log.Info().Str("addr", httpServer.Addr).Msg("Server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
