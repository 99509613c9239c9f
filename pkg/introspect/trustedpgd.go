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

package introspect

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// The hypervisor control channel speaks a QMP-shaped protocol: one
// JSON object per line. The introspector asks it once, at the start
// of a pass, for the ground-truth TTBR1 value. Channel errors are
// never fatal; the heuristic locator covers for them.

type trustedPgdRequest struct {
	Execute string `json:"execute"`
}

type trustedPgdResponse struct {
	Return *struct {
		Pgd string `json:"pgd"`
	} `json:"return"`
	Error *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error"`
}

const trustedPgdCommand = "query-kernel-pgd"

const trustedPgdTimeout = 5 * time.Second

// QueryTrustedPgd performs the one-shot lookup on the unix socket at
// path. It returns 0 with a nil error when the channel answers but
// has no PGD to offer.
func QueryTrustedPgd(ctx context.Context, path string) (PhysAddr, error) {
	dialer := net.Dialer{}
	dctx, cancel := context.WithTimeout(ctx, trustedPgdTimeout)
	defer cancel()
	conn, err := dialer.DialContext(dctx, "unix", path)
	if err != nil {
		return 0, errors.Wrapf(err, "dialing control channel %q", path)
	}
	defer conn.Close()
	if deadline, ok := dctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req, err := json.Marshal(trustedPgdRequest{Execute: trustedPgdCommand})
	if err != nil {
		return 0, errors.Wrap(err, "encoding control request")
	}
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return 0, errors.Wrap(err, "writing control request")
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return 0, errors.Wrap(err, "reading control response")
	}
	var resp trustedPgdResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return 0, errors.Wrap(err, "decoding control response")
	}
	if resp.Error != nil {
		return 0, errors.Errorf("control channel error %s: %s", resp.Error.Class, resp.Error.Desc)
	}
	if resp.Return == nil || resp.Return.Pgd == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(strings.TrimPrefix(resp.Return.Pgd, "0x"), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing pgd value %q", resp.Return.Pgd)
	}
	return PhysAddr(value), nil
}
