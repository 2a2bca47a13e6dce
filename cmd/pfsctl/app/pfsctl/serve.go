/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfsctl

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sgxpf/protectedfs/pkg/pfmetrics"
	"github.com/sgxpf/protectedfs/pkg/pprof"
)

// ServeOptions configures the pfsctl serve subcommand's metrics endpoint.
type ServeOptions struct {
	MetricsAddr string
	PprofAddr   string
}

// Serve starts a metrics HTTP server bound to options.MetricsAddr, and,
// when options.PprofAddr is set, a pprof server alongside it. It blocks
// until ctx is cancelled or the metrics listener fails.
func Serve(ctx context.Context, collector *pfmetrics.Collector, options ServeOptions) error {
	if options.MetricsAddr == "" {
		return errors.New("pfsctl serve: --metrics-addr is required")
	}

	if options.PprofAddr != "" {
		if err := pprof.NewPprofHTTPListener(options.PprofAddr); err != nil {
			return errors.Wrap(err, "start pprof listener")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	listener, err := net.Listen("tcp", options.MetricsAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", options.MetricsAddr)
	}

	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	logrus.Infof("pfsctl: serving metrics on %s", options.MetricsAddr)

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
