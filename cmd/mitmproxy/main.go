// Copyright 2026 The Kestrel Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mitmproxy is a thin flag-configured entrypoint over
// mitmcore: it loads or generates the root CA, wires a couple of
// built-in interceptors, and serves one listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	mitmcore "github.com/kestrelproxy/mitmcore"
	"github.com/kestrelproxy/mitmcore/internal/dialer"
	"github.com/kestrelproxy/mitmcore/internal/middleware"
	"github.com/kestrelproxy/mitmcore/internal/pipeline"
	"github.com/kestrelproxy/mitmcore/internal/policy"
)

func main() {
	addr := flag.String("addr", ":8080", "proxy listen address")
	metricsAddr := flag.String("metrics-addr", ":9090", "prometheus /metrics listen address")
	caDir := flag.String("ca-dir", "./ca", "directory holding (or to generate) the root CA cert/key")
	caName := flag.String("ca-name", "mitmproxy", "root CA file basename and certificate CN prefix")
	interceptDomains := flag.String("intercept-domains", "", "comma-separated hostnames to intercept (TLS-terminate); empty tunnels everything")
	fastDomains := flag.String("fast-domains", "", "comma-separated hostnames that always tunnel, bypassing all other rules")
	upstreamKind := flag.String("upstream", "", "optional upstream proxy: \"http\" or \"socks5\"")
	upstreamAddr := flag.String("upstream-addr", "", "upstream proxy host:port")
	upstreamUser := flag.String("upstream-user", "", "upstream proxy username")
	upstreamPass := flag.String("upstream-pass", "", "upstream proxy password")
	injectHeader := flag.String("inject-header", "", "name=value header to add to every intercepted request")
	flag.Parse()

	log := zap.Must(zap.NewProduction())
	defer func() { _ = log.Sync() }()
	mitmcore.SetLogger(log)

	ca, err := mitmcore.LoadOrGenerateRootCA(*caDir, *caName)
	if err != nil {
		log.Fatal("loading root CA", zap.Error(err))
	}

	upstream := dialer.Upstream{}
	switch *upstreamKind {
	case "http":
		upstream = dialer.Upstream{Kind: dialer.UpstreamHTTPConnect, Addr: *upstreamAddr, Username: *upstreamUser, Password: *upstreamPass}
	case "socks5":
		upstream = dialer.Upstream{Kind: dialer.UpstreamSOCKS5, Addr: *upstreamAddr, Username: *upstreamUser, Password: *upstreamPass}
	case "":
	default:
		log.Fatal("unknown -upstream kind", zap.String("kind", *upstreamKind))
	}

	stages := []pipeline.Stage{
		{Name: "access-log", Priority: 100, Interceptor: &middleware.AccessLog{Logger: log.Named("access")}},
	}
	if *injectHeader != "" {
		if k, v, ok := strings.Cut(*injectHeader, "="); ok {
			stages = append(stages, pipeline.Stage{
				Name:     "header-injector",
				Priority: 10,
				Interceptor: &middleware.HeaderInjector{
					Headers: map[string]string{k: v},
				},
			})
		} else {
			log.Fatal("-inject-header must be name=value", zap.String("value", *injectHeader))
		}
	}

	cfg := mitmcore.Config{
		CA: ca,
		Policy: policy.Config{
			Domains:     splitCSV(*interceptDomains),
			FastDomains: splitCSV(*fastDomains),
		},
		Upstream: upstream,
		Stages:   stages,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxy, err := mitmcore.New(ctx, cfg)
	if err != nil {
		log.Fatal("building proxy", zap.Error(err))
	}

	metricsSrv := &http.Server{
		Addr:    *metricsAddr,
		Handler: promhttp.HandlerFor(proxy.Registry(), promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("starting proxy", zap.String("addr", *addr))
	if err := proxy.ListenAndServe(ctx, *addr); err != nil {
		log.Error("proxy stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	fmt.Println("mitmproxy shut down")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
