// Copyright 2024 The Haywire Authors. All Rights Reserved.
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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/jamiefaye/haywire/pkg/introspect"
	"github.com/jamiefaye/haywire/pkg/metrics"
)

type Config struct {
	Discovery introspect.DiscoveryConfig
}

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, fmt.Sprintf("haywire-introspect: "+format+"\n", a...))
	os.Exit(1)
}

func loadConfigFile(filename string) *introspect.DiscoveryConfig {
	configBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		exit("%s", err)
	}
	config := Config{Discovery: *introspect.DefaultConfig()}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		exit("error in %q: %s", filename, err)
	}
	if err := config.Discovery.Validate(); err != nil {
		exit("error in %q: %s", filename, err)
	}
	return &config.Discovery
}

func main() {
	introspect.SetLogger(log.New(os.Stderr, "", 0))
	optImage := flag.String("image", "", "guest RAM image to introspect (required)")
	optConfig := flag.String("config", "", "discovery config file (yaml)")
	optLayout := flag.String("layout", "", "struct layout profile (default: probe the image)")
	optSocket := flag.String("trusted-socket", "", "hypervisor control socket for the trusted PGD")
	optOutput := flag.String("output", "", "write the discovery record as JSON to this file ('-' for stdout)")
	optMetricsAddr := flag.String("metrics-addr", "", "serve prometheus metrics on this address after the pass")
	optConfigDumpJson := flag.Bool("config-dump-json", false, "dump effective configuration in JSON")
	optDebug := flag.Bool("debug", false, "print debug output")

	flag.Parse()
	introspect.SetLogDebug(*optDebug)

	if *optImage == "" {
		exit("missing -image")
	}

	cfg := introspect.DefaultConfig()
	if *optConfig != "" {
		cfg = loadConfigFile(*optConfig)
	}
	if *optLayout != "" {
		cfg.Layout = *optLayout
	}
	if *optSocket != "" {
		cfg.TrustedPgdSocket = *optSocket
	}
	if *optConfigDumpJson {
		fmt.Printf("%s\n", cfg.GetConfigJson())
	}

	img, err := introspect.OpenFileImage(*optImage)
	if err != nil {
		exit("%s", err)
	}
	defer img.Close()

	collector := introspect.NewStatsCollector()
	if err := metrics.RegisterCollector("discovery", func() (prometheus.Collector, error) {
		return collector, nil
	}); err != nil {
		exit("%s", err)
	}

	discoverer, err := introspect.NewDiscoverer(img, cfg)
	if err != nil {
		exit("%s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	output, err := discoverer.Run(ctx)
	if err != nil {
		exit("discovery failed: %s", err)
	}
	collector.Observe(output.Stats)

	fmt.Fprint(os.Stderr, output.Stats.Summarize())
	if !output.SwapperVerified {
		fmt.Fprintln(os.Stderr, "warning: kernel PGD unverified; results are best effort")
	}

	if *optOutput != "" {
		outBytes, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			exit("encoding output: %s", err)
		}
		outBytes = append(outBytes, '\n')
		if *optOutput == "-" {
			os.Stdout.Write(outBytes)
		} else if err := ioutil.WriteFile(*optOutput, outBytes, 0644); err != nil {
			exit("writing %q: %s", *optOutput, err)
		}
	}

	if *optMetricsAddr != "" {
		gatherer, err := metrics.NewMetricGatherer()
		if err != nil {
			exit("%s", err)
		}
		http.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		fmt.Fprintf(os.Stderr, "serving metrics on %s, interrupt to quit\n", *optMetricsAddr)
		server := &http.Server{Addr: *optMetricsAddr}
		go func() {
			<-ctx.Done()
			server.Close()
		}()
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			exit("%s", err)
		}
	}
}
