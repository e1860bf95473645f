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

package exterrors

import (
	"strings"
)

// Errors produced by processing components are annotated with short kind
// strings ("delivery", "dns", "rewrite", ...). Wrapping is cumulative, the
// outermost wrap contributes the first segment of the chain. The resulting
// dot-separated chain is what failure matching in the processing pipeline
// dispatches on, instead of comparing opaque error messages.

type kindErr struct {
	err  error
	kind string
}

func (ke kindErr) Error() string {
	return ke.err.Error()
}

func (ke kindErr) Unwrap() error {
	return ke.err
}

// WithKind annotates err with the kind segment. The existing annotations of
// err are preserved and end up deeper in the chain.
func WithKind(err error, kind string) error {
	if err == nil {
		return nil
	}
	return kindErr{err: err, kind: kind}
}

// KindChain returns the dot-separated kind chain of the error, outermost
// annotation first. Errors without any annotations produce an empty string.
func KindChain(err error) string {
	var segments []string
	for err != nil {
		if ke, ok := err.(kindErr); ok {
			segments = append(segments, ke.kind)
		}
		unwrap, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = unwrap.Unwrap()
	}
	return strings.Join(segments, ".")
}

// HasKind reports whether any segment of the error kind chain equals kind.
func HasKind(err error, kind string) bool {
	for err != nil {
		if ke, ok := err.(kindErr); ok && ke.kind == kind {
			return true
		}
		unwrap, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = unwrap.Unwrap()
	}
	return false
}

// KindMatches reports whether the kind chain of err ends with the
// dot-separated pattern. A pattern consisting of the full chain also
// matches. An empty pattern matches any annotated error.
func KindMatches(err error, pattern string) bool {
	chain := KindChain(err)
	if chain == "" {
		return false
	}
	if pattern == "" {
		return true
	}
	return chain == pattern || strings.HasSuffix(chain, "."+pattern)
}
