/*
Spoold - composable mail processing engine.
Copyright © 2021-2023 Spoold contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package remote implements outgoing message delivery to servers discovered
// using DNS MX records or, if configured, to a fixed list of gateway hosts.
//
// Implemented interfaces:
// - module.DeliveryTarget
// - module.PartialDelivery (on the returned delivery object)
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/net/idna"

	"github.com/spoold/spoold/framework/address"
	"github.com/spoold/spoold/framework/buffer"
	"github.com/spoold/spoold/framework/dns"
	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/smtpconn"
	"github.com/spoold/spoold/internal/target"
)

var smtpPort = "25"

func moduleError(err error) error {
	if err == nil {
		return nil
	}
	return exterrors.WithFields(err, map[string]interface{}{
		"target": "remote",
	})
}

// Config describes the remote delivery target. Hostname is the only
// required field.
type Config struct {
	// Hostname to use in the EHLO command. Required.
	Hostname string

	// Gateways, if non-empty, disables MX discovery: all mail is relayed
	// through the listed hosts, tried in order until one accepts the
	// connection.
	Gateways []smtpconn.Endpoint

	// AttemptSTARTTLS enables opportunistic STARTTLS for established
	// connections.
	AttemptSTARTTLS bool

	// TLSConfig used for STARTTLS. Can be nil.
	TLSConfig *tls.Config

	Resolver dns.Resolver
	Dialer   func(ctx context.Context, network, addr string) (net.Conn, error)

	Log log.Logger
}

type Target struct {
	hostname   string
	gateways   []smtpconn.Endpoint
	attemptTLS bool
	tlsConfig  *tls.Config

	resolver dns.Resolver
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)

	Log log.Logger
}

var _ module.DeliveryTarget = &Target{}

func New(cfg Config) (*Target, error) {
	if cfg.Hostname == "" {
		return nil, errors.New("remote: hostname is required")
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	hostname, err := idna.ToASCII(cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("remote: cannot represent the hostname as an A-label name: %w", err)
	}

	rt := &Target{
		hostname:   hostname,
		gateways:   cfg.Gateways,
		attemptTLS: cfg.AttemptSTARTTLS,
		tlsConfig:  cfg.TLSConfig,
		resolver:   cfg.Resolver,
		dialer:     cfg.Dialer,
		Log:        cfg.Log,
	}
	if rt.resolver == nil {
		rt.resolver = dns.DefaultResolver()
	}
	if rt.dialer == nil {
		rt.dialer = (&net.Dialer{}).DialContext
	}
	return rt, nil
}

type remoteDelivery struct {
	rt       *Target
	mailFrom string
	msgMeta  *module.MsgMetadata
	Log      log.Logger

	recipients  []string
	connections map[string]*mxConn
}

func (rt *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	return &remoteDelivery{
		rt:          rt,
		mailFrom:    mailFrom,
		msgMeta:     msgMeta,
		Log:         target.DeliveryLogger(rt.Log, msgMeta),
		connections: map[string]*mxConn{},
	}, nil
}

func (rd *remoteDelivery) AddRcpt(ctx context.Context, to string) error {
	_, domain, err := address.Split(to)
	if err != nil {
		return err
	}

	// Special-case for the <postmaster> address. If it is not handled by a
	// rewrite rule before - we should not attempt to do anything with it
	// and reject it as invalid.
	if domain == "" {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "<postmaster> address is not supported",
			TargetName:   "remote",
		}
	}

	if strings.HasPrefix(domain, "[") {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "IP address literals are not supported",
			TargetName:   "remote",
		}
	}

	conn, err := rd.connectionForDomain(ctx, domain)
	if err != nil {
		return err
	}

	if err := conn.Rcpt(ctx, to); err != nil {
		return moduleError(err)
	}

	rd.recipients = append(rd.recipients, to)
	return nil
}

type multipleErrs struct {
	errs      map[string]error
	statusLck sync.Mutex
}

func (m *multipleErrs) Error() string {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	return fmt.Sprintf("Partial delivery failure, per-rcpt info: %+v", m.errs)
}

func (m *multipleErrs) Fields() map[string]interface{} {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()

	// If there are any temporary errors - the sender should retry to make sure
	// all recipients will get the message. However, since we can't tell it
	// which recipients got the message, this will generate duplicates for
	// them.
	//
	// We favor delivery with duplicates over incomplete delivery here.

	var (
		code     = 550
		enchCode = exterrors.EnhancedCode{5, 0, 0}
	)
	for _, err := range m.errs {
		if exterrors.IsTemporary(err) {
			code = 451
			enchCode = exterrors.EnhancedCode{4, 0, 0}
		}
	}

	return map[string]interface{}{
		"smtp_code":     code,
		"smtp_enchcode": enchCode,
		"smtp_msg":      "Partial delivery failure, additional attempts may result in duplicates",
		"target":        "remote",
		"errs":          m.errs,
	}
}

func (m *multipleErrs) SetStatus(rcptTo string, err error) {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	m.errs[rcptTo] = err
}

func (rd *remoteDelivery) Body(ctx context.Context, header textproto.Header, buffer buffer.Buffer) error {
	merr := multipleErrs{
		errs: make(map[string]error),
	}
	rd.BodyNonAtomic(ctx, &merr, header, buffer)

	for _, v := range merr.errs {
		if v != nil {
			if len(merr.errs) == 1 {
				return v
			}
			return &merr
		}
	}
	return nil
}

func (rd *remoteDelivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, b buffer.Buffer) {
	var wg sync.WaitGroup

	for _, conn := range rd.connections {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()

			bodyR, err := b.Open()
			if err != nil {
				for _, rcpt := range conn.Rcpts() {
					c.SetStatus(rcpt, err)
				}
				return
			}
			defer bodyR.Close()

			err = conn.Data(ctx, header, bodyR)
			for _, rcpt := range conn.Rcpts() {
				c.SetStatus(rcpt, moduleError(err))
			}
		}()
	}

	wg.Wait()
}

func (rd *remoteDelivery) Abort(ctx context.Context) error {
	return rd.Close()
}

func (rd *remoteDelivery) Commit(ctx context.Context) error {
	// It is not possible to implement it atomically, so users of remoteDelivery have to
	// take care of partial failures.
	return rd.Close()
}

func (rd *remoteDelivery) Close() error {
	for _, conn := range rd.connections {
		rd.Log.Debugf("disconnected from %s", conn.ServerName())
		conn.Close()
	}
	return nil
}
