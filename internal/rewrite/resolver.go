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

package rewrite

import (
	"context"
	"fmt"
	"strings"

	"github.com/spoold/spoold/framework/address"
	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/framework/log"
)

// Limit on the length of a single rewrite chain. Loops through already seen
// addresses are detected separately, the depth limit catches chains that
// generate new addresses on each step (possible with regex mappings).
const maxChainLength = 10

// Result is the final destination a recipient address resolved to.
type Result struct {
	// Addr is the resolved address the message should be delivered to.
	Addr string

	// Forwarded indicates the address was reached through at least one
	// forward mapping. The forwarded copy is sent in a separate envelope
	// with Sender as the envelope sender.
	Forwarded bool

	// Sender is the address of the deepest forwarder in the chain. Empty
	// for non-forwarded results.
	Sender string

	// Err is set if the chain hit an error mapping. Addr is then the
	// original recipient the failure should be reported for.
	Err error
}

// Resolver recursively applies the mapping store to recipient addresses.
type Resolver struct {
	Store Store
	Log   log.Logger
}

// Resolve expands the recipient address into the set of final destinations.
//
// An address with no applicable mappings resolves to itself. An address seen
// twice in the same chain is treated as final, so mutual aliases terminate
// instead of looping.
func (r *Resolver) Resolve(ctx context.Context, addr string) ([]Result, error) {
	var results []Result
	visited := map[string]struct{}{}
	if err := r.resolve(ctx, addr, 0, visited, false, "", &results); err != nil {
		return nil, err
	}
	return dedupe(results), nil
}

func (r *Resolver) resolve(ctx context.Context, addr string, depth int, visited map[string]struct{}, forwarded bool, sender string, out *[]Result) error {
	normAddr, err := address.ForLookup(addr)
	if err != nil {
		*out = append(*out, Result{Addr: addr, Forwarded: forwarded, Sender: sender,
			Err: errMapping(fmt.Sprintf("Malformed recipient address: %v", err))})
		return nil
	}

	if _, ok := visited[normAddr]; ok {
		r.Log.Msg("rewrite loop, treating address as final", "addr", normAddr)
		*out = append(*out, Result{Addr: addr, Forwarded: forwarded, Sender: sender})
		return nil
	}
	if depth > maxChainLength {
		*out = append(*out, Result{Addr: addr, Forwarded: forwarded, Sender: sender,
			Err: errMapping("Recipient rewrite chain is too long")})
		return nil
	}
	visited[normAddr] = struct{}{}

	mappings, err := r.Store.Lookup(ctx, normAddr)
	if err != nil {
		return exterrors.WithKind(err, "rewrite")
	}
	if len(mappings) == 0 {
		*out = append(*out, Result{Addr: addr, Forwarded: forwarded, Sender: sender})
		return nil
	}

	for _, m := range mappings {
		if m.Kind == Error {
			*out = append(*out, Result{Addr: addr, Forwarded: forwarded, Sender: sender,
				Err: errMapping(m.Target)})
			return nil
		}
	}

	for _, m := range mappings {
		switch m.Kind {
		case Alias, Group, Regex:
			if err := r.resolve(ctx, m.Target, depth+1, visited, forwarded, sender, out); err != nil {
				return err
			}
		case Forward:
			if m.KeepCopy {
				*out = append(*out, Result{Addr: addr, Forwarded: forwarded, Sender: sender})
			}
			if err := r.resolve(ctx, m.Target, depth+1, visited, true, normAddr, out); err != nil {
				return err
			}
		case DomainAlias:
			target, err := applyDomainAlias(normAddr, m.Target)
			if err != nil {
				*out = append(*out, Result{Addr: addr, Forwarded: forwarded, Sender: sender,
					Err: errMapping(fmt.Sprintf("Malformed domain alias target: %v", err))})
				continue
			}
			if err := r.resolve(ctx, target, depth+1, visited, forwarded, sender, out); err != nil {
				return err
			}
		}
	}

	return nil
}

func applyDomainAlias(addr, target string) (string, error) {
	if !strings.HasPrefix(target, "*@") {
		return target, nil
	}
	mbox, _, err := address.Split(addr)
	if err != nil {
		return "", err
	}
	return mbox + "@" + strings.TrimPrefix(target, "*@"), nil
}

// errMapping builds the error reported for recipients that hit an error
// mapping. The message may carry an explicit SMTP code and enhanced code
// prefix ("450 4.2.1 Try later"), otherwise 550 5.0.0 is used.
func errMapping(msg string) error {
	smtpErr := exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 0, 0},
		Message:      msg,
	}

	var (
		code    int
		enchOne int
		enchTwo int
		enchThr int
		text    string
	)
	if n, err := fmt.Sscanf(msg, "%3d %d.%d.%d %s", &code, &enchOne, &enchTwo, &enchThr, &text); err == nil && n == 5 {
		smtpErr.Code = code
		smtpErr.EnhancedCode = exterrors.EnhancedCode{enchOne, enchTwo, enchThr}
		if i := strings.Index(msg, text); i != -1 {
			smtpErr.Message = msg[i:]
		}
	}

	return exterrors.WithKind(&smtpErr, "rewrite")
}

func dedupe(in []Result) []Result {
	type key struct {
		addr   string
		sender string
		fwd    bool
	}
	seen := map[key]struct{}{}
	out := in[:0]
	for _, res := range in {
		normAddr, _ := address.ForLookup(res.Addr)
		k := key{normAddr, res.Sender, res.Forwarded}
		if _, ok := seen[k]; ok && res.Err == nil {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, res)
	}
	return out
}
