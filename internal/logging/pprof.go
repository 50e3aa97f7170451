package logging

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
)

// DefaultPprofAddr is used when Config.PprofAddr is empty.
const DefaultPprofAddr = "localhost:6060"

// pprofMux serves the profiling endpoints under /debug/pprof/ without
// touching http.DefaultServeMux.
func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// startPprof serves pprofMux on addr in the background.
func startPprof(addr string) {
	log := ForComponent(CompPerf)
	go func() {
		log.Info("pprof_listen", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, pprofMux()); err != nil {
			log.Error("pprof_failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
}
