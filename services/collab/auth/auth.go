// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth defines the authorization collaborator boundary.
//
// The hub only ever asks two capability questions; how access control is
// actually decided (identity, ACL storage, token validation) lives
// outside this repository. A static ACL implementation is provided so a
// deployment without an external authorizer still has a working hub.
package auth

import "context"

// Role grants a capability level on a document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Authorizer answers capability queries for (user, document) pairs.
//
// Implementations may block (network ACL lookups); the hub calls them
// with the connection's context.
type Authorizer interface {
	// CanAccess reports whether the user may read the document.
	CanAccess(ctx context.Context, userID, documentID string) (bool, error)

	// CanWrite reports whether the user may submit updates.
	CanWrite(ctx context.Context, userID, documentID string) (bool, error)
}

// AllowAll grants everything. Used by tests and single-user deployments.
type AllowAll struct{}

func (AllowAll) CanAccess(context.Context, string, string) (bool, error) { return true, nil }
func (AllowAll) CanWrite(context.Context, string, string) (bool, error)  { return true, nil }

// ACLEntry grants one user a role on one document.
type ACLEntry struct {
	UserID string `yaml:"user_id"`
	Role   Role   `yaml:"role"`
}

// DocumentACL is the access list for one document.
type DocumentACL struct {
	OwnerID string     `yaml:"owner_id"`
	Entries []ACLEntry `yaml:"entries"`
}

// StaticACL authorizes against an in-memory access table, typically
// loaded from the config file. Documents absent from the table are open;
// listing a document locks it down to its owner and entries.
type StaticACL struct {
	Documents map[string]DocumentACL `yaml:"documents"`
}

func (a *StaticACL) CanAccess(_ context.Context, userID, documentID string) (bool, error) {
	acl, ok := a.Documents[documentID]
	if !ok {
		return true, nil
	}
	if acl.OwnerID == userID {
		return true, nil
	}
	for _, e := range acl.Entries {
		if e.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (a *StaticACL) CanWrite(_ context.Context, userID, documentID string) (bool, error) {
	acl, ok := a.Documents[documentID]
	if !ok {
		return true, nil
	}
	if acl.OwnerID == userID {
		return true, nil
	}
	for _, e := range acl.Entries {
		if e.UserID == userID {
			return e.Role == RoleOwner || e.Role == RoleEditor, nil
		}
	}
	return false, nil
}
