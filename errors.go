package mixpanel

import "errors"

var (
	// ErrEmptyToken is returned by New when the API token is blank.
	ErrEmptyToken = errors.New("api token must not be empty")

	// ErrEmptyEventName is returned by tracking operations when the event
	// name is blank.
	ErrEmptyEventName = errors.New("event name must not be empty")

	// ErrEmptyDistinctID is returned by Identify and Alias when the distinct
	// id is blank.
	ErrEmptyDistinctID = errors.New("distinct id must not be empty")

	// ErrEmptyGroupKey is returned by group operations when the group key is
	// blank.
	ErrEmptyGroupKey = errors.New("group key must not be empty")

	// ErrEmptyAlias is returned by Alias when the alias is blank.
	ErrEmptyAlias = errors.New("alias must not be empty")

	// ErrEmptyPropertyName is returned by property operations when the
	// property name is blank.
	ErrEmptyPropertyName = errors.New("property name must not be empty")
)
