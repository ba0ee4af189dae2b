// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package vault

import (
	"net/http"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/juju/errors"
)

const (
	// PermissionDenied is raised when vault refuses the token or login.
	PermissionDenied = errors.ConstError("vault permission denied")

	// MissingCredentials is raised when the secret lacks a username or a
	// password.
	MissingCredentials = errors.ConstError("missing mongo credentials")
)

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "no secret found")
}

func maybePermissionDenied(err error) error {
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusForbidden || apiErr.StatusCode == http.StatusUnauthorized {
			return errors.WithType(err, PermissionDenied)
		}
	}
	return err
}
