// Package logger configures the process-wide zerolog logger and exposes
// one named sub-logger per VNCache subsystem.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, initialized by Initialize.
var Log zerolog.Logger

// Initialize configures the global logger's level and output format.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "vncache").Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// FBM returns the logger used by the framing layer.
func FBM() *zerolog.Logger { return component("fbm") }

// Authn returns the logger used by negotiation and token issuance.
func Authn() *zerolog.Logger { return component("authn") }

// Listener returns the logger used by the per-connection dispatcher.
func Listener() *zerolog.Logger { return component("listener") }

// PeerQueue returns the logger used by the peer event queue manager.
func PeerQueue() *zerolog.Logger { return component("peerqueue") }

// Discovery returns the logger used by peer discovery and the sweep loop.
func Discovery() *zerolog.Logger { return component("discovery") }

// Replication returns the logger used by the replication worker.
func Replication() *zerolog.Logger { return component("replication") }

// HTTP returns the logger used by the control-plane HTTP server.
func HTTP() *zerolog.Logger { return component("http") }

// Store returns the logger used by the optional backing-store tier.
func Store() *zerolog.Logger { return component("backingstore") }
