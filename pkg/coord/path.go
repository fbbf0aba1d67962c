package coord

import (
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// protectedPrefix marks a node name that carries a protection token.
	protectedPrefix = "_c_"
	// tokenSeparator sits between the token and the logical id. Our tokens
	// never contain it, so the first occurrence after the prefix ends the
	// token unless the name starts with a dashed UUID.
	tokenSeparator = "-"
	dashedUUIDLen  = 36
)

// Token tags every node created by one protected-creation attempt chain.
type Token string

// NewToken returns a fresh token. It is a dashless UUID so the separator
// stays unambiguous.
func NewToken() Token {
	return Token(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ProtectedName builds the node name "_c_<token>-<id>".
func ProtectedName(token Token, id string) string {
	return protectedPrefix + string(token) + tokenSeparator + id
}

// ParseName splits a child name into its token and logical id. Names
// without the protection marker are returned as the id with protected=false.
func ParseName(name string) (token Token, id string, protected bool) {
	rest, ok := strings.CutPrefix(name, protectedPrefix)
	if !ok {
		return "", name, false
	}
	// tokens written by other clients may be dashed UUIDs
	if len(rest) > dashedUUIDLen && rest[dashedUUIDLen:dashedUUIDLen+1] == tokenSeparator {
		if _, err := uuid.Parse(rest[:dashedUUIDLen]); err == nil {
			return Token(rest[:dashedUUIDLen]), rest[dashedUUIDLen+1:], true
		}
	}
	tok, id, ok := strings.Cut(rest, tokenSeparator)
	if !ok || tok == "" {
		return "", name, false
	}
	return Token(tok), id, true
}

// IDFromName returns the logical id of a child name.
func IDFromName(name string) string {
	_, id, _ := ParseName(name)
	return id
}

// HasToken reports whether name was created under token.
func HasToken(name string, token Token) bool {
	tok, _, ok := ParseName(name)
	return ok && tok == token
}

// Join builds a child path under parent.
func Join(parent string, children ...string) string {
	return path.Join(append([]string{parent}, children...)...)
}

func Parent(p string) string {
	return path.Dir(p)
}

func Base(p string) string {
	return path.Base(p)
}

// ValidatePath checks that p is absolute, clean and not the root.
func ValidatePath(p string) error {
	switch {
	case p == "" || !strings.HasPrefix(p, "/"):
		return errors.Wrapf(ErrMalformed, "path %q is not absolute", p)
	case p == "/":
		return errors.Wrap(ErrMalformed, "path is the root")
	case path.Clean(p) != p:
		return errors.Wrapf(ErrMalformed, "path %q is not clean", p)
	}
	return nil
}

// ValidateName checks a single path segment such as a group name or member id.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\n") || name == "." || name == ".." {
		return errors.Wrapf(ErrMalformed, "invalid name %q", name)
	}
	return nil
}
