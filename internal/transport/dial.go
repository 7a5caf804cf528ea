/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/firefly-oss/raftquorum/internal/errors"
)

// DialFirstReachable concurrently probes every candidate address with a
// plain TCP dial and returns the first one that accepts a connection,
// closing every connection it opens. It is used by internal/discovery to
// turn a list of bootstrap candidates into a single address worth sending
// FindQuorum to. Dials run under an errgroup, one goroutine per candidate,
// with no limit on how many run at once; the result is returned only after
// every dial has finished or timed out.
func DialFirstReachable(ctx context.Context, addrs []string, timeout time.Duration) (string, error) {
	if len(addrs) == 0 {
		return "", errors.BrokerNotAvailable(-1)
	}

	found := make(chan string, len(addrs))
	g, gctx := errgroup.WithContext(ctx)

	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(gctx, "tcp", addr)
			if err != nil {
				return nil // unreachable candidates are not fatal to the probe
			}
			conn.Close()
			select {
			case found <- addr:
			default:
			}
			return nil
		})
	}

	// errgroup.Wait only ever returns nil here (probe failures are
	// swallowed above), but propagating it keeps the call site honest if a
	// future probe starts returning real errors.
	if err := g.Wait(); err != nil {
		return "", err
	}
	close(found)

	for addr := range found {
		return addr, nil
	}
	return "", errors.BrokerNotAvailable(-1)
}
