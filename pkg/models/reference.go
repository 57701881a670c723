package models

import (
	"strings"

	"github.com/wasmpod/wasmpod/pkg/errdefs"
)

// Reference is a parsed module reference of the form
// <registry>/<repository>:<tag>, e.g. webassembly.azurecr.io/hello:v1.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
}

// ParseReference splits a reference into its parts. Tags are mutable, so a
// reference never identifies content by itself; the module store resolves
// it to a digest before trusting a cache entry.
func ParseReference(s string) (Reference, error) {
	slash := strings.Index(s, "/")
	if slash <= 0 {
		return Reference{}, errdefs.Wrapf(errdefs.ErrInvalidArgument, "reference %q is missing a registry", s)
	}
	rest := s[slash+1:]
	colon := strings.LastIndex(rest, ":")
	if colon <= 0 || colon == len(rest)-1 {
		return Reference{}, errdefs.Wrapf(errdefs.ErrInvalidArgument, "reference %q is missing a tag", s)
	}
	return Reference{
		Registry:   s[:slash],
		Repository: rest[:colon],
		Tag:        rest[colon+1:],
	}, nil
}

// String reassembles the reference
func (r Reference) String() string {
	return r.Registry + "/" + r.Repository + ":" + r.Tag
}
