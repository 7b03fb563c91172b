// Package main implements a mock ACP agent for local development and e2e
// tests. It serves the agent side of the protocol on /api: task lifecycle
// acknowledgements and scripted streamed replies to message/send.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

func main() {
	port := flag.Int("port", 9090, "port to listen on")
	delay := flag.Duration("chunk-delay", 20*time.Millisecond, "pause between streamed chunks")
	flag.Parse()

	log := logger.Default().WithFields(zap.String("component", "mock-agent"))

	mux := http.NewServeMux()
	mux.Handle("/api", &agentHandler{log: log, chunkDelay: *delay})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"mock-agent"}`))
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Info("Mock agent listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Mock agent server failed", zap.Error(err))
		os.Exit(1)
	}
}
