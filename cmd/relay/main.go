// Command relay is a loopback authority for development and integration
// testing. It implements the client-observable server contract: auth,
// heartbeat, lobbies, ticket matchmaking, and an authoritative kinematic
// simulation with delta snapshots and keyframe recovery. It is not a
// production server.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"

	"github.com/matryer/way"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		addr     string
		tickRate int
		verbose  bool
	)
	flag.StringVar(&addr, "addr", ":8080", "listen address")
	flag.IntVar(&tickRate, "tick-rate", 30, "simulation ticks per second")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stdout)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	hub := newHub(log, tickRate)
	go hub.run()

	router := way.NewRouter()
	router.HandleFunc("GET", "/ws", hub.handleWS)
	router.HandleFunc("GET", "/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.HandleFunc("GET", "/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.status())
	})
	router.HandleFunc("GET", "/lobbies/:id", func(w http.ResponseWriter, r *http.Request) {
		info, ok := hub.lobbyInfo(way.Param(r.Context(), "id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	})

	log.WithField("addr", addr).Info("relay listening")
	if err := http.ListenAndServe(addr, router); err != nil {
		log.WithError(err).Fatal("relay stopped")
	}
}
