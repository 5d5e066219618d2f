// Copyright 2021-2022 The curio Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"context"
	"net"
	"time"

	"github.com/alwitt/curio/common"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
)

// dial connect to the broker, retrying with exponential backoff
func dial(
	ctxt context.Context, addr string, config common.ClientConfig, logTags log.Fields,
) (net.Conn, error) {
	var conn net.Conn
	dialer := net.Dialer{}
	operation := func() error {
		newConn, err := dialer.DialContext(ctxt, "tcp", addr)
		if err != nil {
			return err
		}
		conn = newConn
		return nil
	}
	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(
					time.Millisecond*time.Duration(config.DialInitialBackoff),
				),
				backoff.WithMaxInterval(time.Millisecond*time.Duration(config.DialMaxBackoff)),
			),
			uint64(config.DialMaxRetries),
		),
		ctxt,
	)
	if err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.WithError(err).WithFields(logTags).Warnf("Dial %s failed, retrying in %s", addr, d)
	}); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to connect to %s", addr)
		return nil, err
	}
	log.WithFields(logTags).Infof("Connected to %s", addr)
	return conn, nil
}
