package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Run serves until ctx is cancelled, then shuts down gracefully: the HTTP
// listener first, then the hub, which closes every live chat session.
func (s *Server) Run(ctx context.Context) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: s.Router,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("portal server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	s.Hub.Stop()
	log.Info().Msg("server exited")
}
