package hastate

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// newAPIServer will build the api server config
func (n *Node) newAPIServer() {
	n.apiServer = &http.Server{
		Addr:              n.options.HTTPAddress,
		Handler:           n.newAPIRouters(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// startAPIServer will start the api server
func (n *Node) startAPIServer() {
	n.Logger.Info().Msgf("Starting api server at %s", n.options.HTTPAddress)
	go func() {
		if err := n.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.Logger.Error().Err(err).Msg("Startup api server failed")
		}
	}()
}

// stopAPIServer will stop the api server
func (n *Node) stopAPIServer() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.apiServer.Shutdown(ctx); err != nil {
		n.Logger.Error().Err(err).Msg("API server shutted down abruptly")
	}
}
