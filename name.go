package cpclient

import (
	"fmt"
	"strings"
)

// ParseName splits an external name of the form
// "object[@group]" into its group and object parts.
//
// Whitespace around the '@' is trimmed. When the group
// is omitted the DefaultGroupName is used, and any
// case-variant of "default" is normalized to it. The
// reserved MetadataGroupName is refused with ErrNotSupported;
// every other malformed name gets ErrInvalidArgument.
func ParseName(name string) (groupName, objectName string, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("%w: name must not be blank", ErrInvalidArgument)
	}
	i := strings.IndexByte(name, '@')
	if i == -1 {
		return DefaultGroupName, name, nil
	}
	if strings.IndexByte(name[i+1:], '@') != -1 {
		return "", "", fmt.Errorf("%w: custom group name must be specified at most once: '%v'", ErrInvalidArgument, name)
	}
	objectName = strings.TrimSpace(name[:i])
	groupName = strings.TrimSpace(name[i+1:])
	if objectName == "" {
		return "", "", fmt.Errorf("%w: object name cannot be empty: '%v'", ErrInvalidArgument, name)
	}
	if groupName == "" {
		return "", "", fmt.Errorf("%w: custom CP group name cannot be empty: '%v'", ErrInvalidArgument, name)
	}
	if strings.EqualFold(groupName, DefaultGroupName) {
		groupName = DefaultGroupName
	}
	if strings.EqualFold(groupName, MetadataGroupName) {
		return "", "", fmt.Errorf("%w: CP data structures cannot run on the METADATA CP group: '%v'", ErrNotSupported, name)
	}
	return groupName, objectName, nil
}

// displayName is how a proxy reports its own name:
// the "@default" suffix is dropped, any other group
// is kept.
func displayName(groupName, objectName string) string {
	if groupName == DefaultGroupName {
		return objectName
	}
	return objectName + "@" + groupName
}
