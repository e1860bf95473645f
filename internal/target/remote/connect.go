package remote

import (
	"context"
	"net"
	"sort"
	"strings"

	"github.com/spoold/spoold/framework/dns"
	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/internal/smtpconn"
)

type mxConn struct {
	*smtpconn.C

	// Domain this connection serves. Empty for gateway connections since
	// they carry mail for all domains.
	domain string
}

// gatewayConnKey is the rd.connections key used for the shared gateway
// session.
const gatewayConnKey = ""

func (rd *remoteDelivery) connectionForDomain(ctx context.Context, domain string) (*mxConn, error) {
	domain, err := dns.ForLookup(domain)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Unable to normalize the recipient domain",
			TargetName:   "remote",
			Err:          err,
		}
	}

	key := domain
	if len(rd.rt.gateways) != 0 {
		key = gatewayConnKey
	}
	if c, ok := rd.connections[key]; ok {
		return c, nil
	}

	conn := &mxConn{
		C:      smtpconn.New(),
		domain: domain,
	}
	conn.Dialer = rd.rt.dialer
	conn.Log = rd.Log
	conn.Hostname = rd.rt.hostname
	conn.AddrInSMTPMsg = true
	conn.AttemptTLS = rd.rt.attemptTLS
	conn.TLSConfig = rd.rt.tlsConfig

	var endps []smtpconn.Endpoint
	if len(rd.rt.gateways) != 0 {
		// Gateway list is used verbatim, in the configured order.
		endps = rd.rt.gateways
	} else {
		endps, err = rd.endpointsForDomain(ctx, domain)
		if err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, endp := range endps {
		if err := conn.Connect(ctx, endp); err != nil {
			rd.Log.Error("cannot use server", err, "remote_server", endp.Host, "domain", domain)
			lastErr = err
			continue
		}
		connsCnt.WithLabelValues(connKind(rd.rt)).Inc()
		break
	}

	// Still not connected? Bail out.
	if conn.Client() == nil {
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(lastErr, 451, 550),
			EnhancedCode: exterrors.SMTPEnchCode(lastErr, exterrors.EnhancedCode{0, 4, 0}),
			Message:      "No usable MXs, last err: " + lastErr.Error(),
			TargetName:   "remote",
			Err:          lastErr,
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	if err := conn.Mail(ctx, rd.mailFrom, rd.msgMeta.SMTPOpts); err != nil {
		conn.Close()
		return nil, err
	}

	rd.connections[key] = conn
	return conn, nil
}

func (rd *remoteDelivery) endpointsForDomain(ctx context.Context, domain string) ([]smtpconn.Endpoint, error) {
	records, err := rd.lookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	endps := make([]smtpconn.Endpoint, 0, len(records))
	for _, record := range records {
		if record.Host == "." {
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
				TargetName:   "remote",
			}
		}

		endps = append(endps, smtpconn.Endpoint{
			Host: strings.TrimSuffix(record.Host, "."),
			Port: smtpPort,
		})
	}
	return endps, nil
}

func (rd *remoteDelivery) lookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	records, err := rd.rt.resolver.LookupMX(ctx, domain)
	if err != nil {
		reason, misc := exterrors.UnwrapDNSErr(err)
		return nil, exterrors.WithKind(&exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "MX lookup error",
			TargetName:   "remote",
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}, "dns")
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	// Fallback to A/AAAA RR when no MX records are present as
	// required by RFC 5321 Section 5.1.
	if len(records) == 0 {
		records = append(records, &net.MX{
			Host: domain,
			Pref: 0,
		})
	}

	return records, nil
}

func connKind(rt *Target) string {
	if len(rt.gateways) != 0 {
		return "gateway"
	}
	return "mx"
}
