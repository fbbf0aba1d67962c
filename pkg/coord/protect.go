package coord

import (
	"context"

	"github.com/pkg/errors"
)

// Resolution tells how a protected create ended.
type Resolution uint8

const (
	// Created means our create call itself was acknowledged.
	Created Resolution = iota
	// Adopted means a create failed ambiguously and a later listing showed
	// that it had been applied; the existing node is ours.
	Adopted
)

func (r Resolution) String() string {
	if r == Adopted {
		return "adopted"
	}
	return "created"
}

// ProtectedCreate describes one protected creation under Parent.
type ProtectedCreate struct {
	Parent string
	Token  Token
	ID     string
	Data   []byte
	Mode   CreateMode
	Policy RetryPolicy
}

// CreateProtected creates Parent/_c_<Token>-<ID>. When a create attempt
// fails with ErrConnectivity the outcome is unknown, so before trying again
// it lists Parent and adopts a child carrying Token if one is there. Node
// names are unique and carry the token, so at most one node per token can
// exist afterwards.
//
// The retry budget applies to the whole sequence; when it runs out the
// returned error wraps ErrRegistrationFailed.
func CreateProtected(ctx context.Context, link Link, pc ProtectedCreate) (string, Resolution, error) {
	if err := ValidateName(pc.ID); err != nil {
		return "", Created, err
	}
	if pc.Token == "" {
		return "", Created, errors.Wrap(ErrMalformed, "empty protection token")
	}

	var (
		path       = Join(pc.Parent, ProtectedName(pc.Token, pc.ID))
		resolution = Created
		ambiguous  bool
	)
	err := pc.Policy.Do(ctx, func(ctx context.Context) error {
		if ambiguous {
			found, err := FindProtected(ctx, link, pc.Parent, pc.Token)
			if err != nil {
				return err
			}
			if found != "" {
				path = found
				resolution = Adopted
				return nil
			}
		}
		created, err := link.Create(ctx, path, pc.Data, pc.Mode)
		switch {
		case err == nil:
			path = created
			resolution = Created
			return nil
		case errors.Is(err, ErrAlreadyExists):
			// only our token chain can produce this name
			resolution = Adopted
			return nil
		case IsRetryable(err):
			ambiguous = true
		}
		return err
	})
	if err != nil {
		if IsRetryable(err) {
			return "", Created, errors.Wrapf(ErrRegistrationFailed, "create %s: %v", path, err)
		}
		return "", Created, err
	}
	return path, resolution, nil
}

// FindProtected returns the path of the child of parent created under token,
// or "" if there is none.
func FindProtected(ctx context.Context, link Link, parent string, token Token) (string, error) {
	children, err := link.Children(ctx, parent)
	if err != nil {
		return "", err
	}
	for _, child := range children {
		if HasToken(child, token) {
			return Join(parent, child), nil
		}
	}
	return "", nil
}
