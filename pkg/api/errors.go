// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import "fmt"

type ErrInconsistentRequestParameters struct {
	field string
}

func (err ErrInconsistentRequestParameters) Error() string {
	return fmt.Sprintf("inconsistent request parameters: '%s' is required", err.field)
}

func requireField(name, value string) error {
	if value == "" {
		return &ErrInconsistentRequestParameters{field: name}
	}
	return nil
}
