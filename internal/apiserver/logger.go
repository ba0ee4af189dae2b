// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import "github.com/juju/loggo/v2"

var logger = loggo.GetLogger("consolidator.apiserver")
