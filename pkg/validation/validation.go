// Package validation checks identifiers that arrive from clients before they
// reach registry keys, filesystem paths or transcoder arguments.
package validation

import (
	"fmt"
	"regexp"
)

var (
	// <userId>_<token>
	sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}_[A-Za-z0-9]{1,64}$`)
	// '_' separates the owner from the token in session ids.
	userIDRe = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
	// Catalogue ids become path components of the output tree.
	catalogueIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

func SessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if !sessionIDRe.MatchString(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func UserID(id string) error {
	if id == "" {
		return fmt.Errorf("user id is required")
	}
	if !userIDRe.MatchString(id) {
		return fmt.Errorf("invalid user id %q", id)
	}
	return nil
}

func CourseID(id string) error {
	return catalogueID("course", id)
}

func ClassID(id string) error {
	return catalogueID("class", id)
}

func catalogueID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id is required", kind)
	}
	if !catalogueIDRe.MatchString(id) {
		return fmt.Errorf("invalid %s id %q", kind, id)
	}
	return nil
}
