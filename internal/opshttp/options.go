package opshttp

import (
	"net/http"

	"github.com/keithlinneman/otaclient/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	Status      http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	MetricsMW   func(http.Handler) http.Handler
}
