package controlplane

import (
	"net/http"
	pprofhttp "net/http/pprof"
)

// mountPprof registers runtime profiling handlers on mux.
// Params: mux control plane router.
// Returns: none.
func mountPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprofhttp.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprofhttp.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprofhttp.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprofhttp.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprofhttp.Trace)
}
