/*
 * Copyright (c) 2023. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pprof

import (
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NewPprofHTTPListener starts a background pprof HTTP server on addr,
// useful when diagnosing flush/recovery latency on a long-lived pfsctl
// serve process.
func NewPprofHTTPListener(addr string) error {
	if addr == "" {
		return errors.New("the address for pprof HTTP server is invalid")
	}

	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "pprof server listener, addr=%s", addr)
	}

	go func() {
		logrus.Infof("start pprof HTTP server on %s", addr)

		if err := http.Serve(l, mux); err != nil && !errors.Is(err, net.ErrClosed) {
			logrus.Errorf("pprof server failed to listen or serve %s: %v", addr, err)
		}
	}()

	return nil
}
