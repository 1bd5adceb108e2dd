package engine

import (
	"golang.org/x/mod/semver"
)

// Identity is a user identity parsed out of an auth token.
type Identity struct {
	UserID string
	Name   string
	Email  string
}

// GraphIdentity identifies which remote graph a loop synchronizes. Immutable
// for the lifetime of one loop.
type GraphIdentity struct {
	GraphUUID          string
	MajorSchemaVersion string
}

// StartupInfo is the resolved identity tuple returned by a successful
// validation.
type StartupInfo struct {
	User          Identity
	Graph         GraphIdentity
	LocalVersion  string
	RemoteVersion string
}

// ValidatorConfig holds the startup validator's dependencies.
type ValidatorConfig struct {
	// ParseToken extracts a user identity from an auth token.
	ParseToken func(token string) (Identity, error)

	// DB is the local database, or nil when no connection exists.
	DB MetaStore

	// AppSchemaVersion is the application build's data-model version,
	// e.g. "v3.2".
	AppSchemaVersion string
}

// ValidateStartup checks the preconditions for creating a sync loop, in
// order, returning the first failing condition as a typed error value -
// never a panic - so callers can branch on kind. The ordering is
// deliberate: the most specific actionable error wins (a schema mismatch is
// reported as such, not masked by a generic "not configured").
//
// Checks, in order: token parses to an identity; a database connection
// exists; the database is bound to a remote graph; the local schema version
// is recorded; the last-known remote schema version is recorded; the major
// components of app, local, and remote versions all agree.
//
// ValidateStartup only reads; it has no side effects.
func ValidateStartup(cfg ValidatorConfig, token string) (*StartupInfo, error) {
	if cfg.ParseToken == nil {
		return nil, E(KindInvalidToken, "no token parser configured")
	}
	user, err := cfg.ParseToken(token)
	if err != nil {
		return nil, Wrap(KindInvalidToken, err, "token did not parse to an identity")
	}

	if cfg.DB == nil {
		return nil, E(KindDBNotFound, "no local database connection")
	}

	graphUUID, err := cfg.DB.GraphUUID()
	if err != nil {
		return nil, Wrap(KindDBNotFound, err, "failed to read graph identifier")
	}
	if graphUUID == "" {
		return nil, E(KindNotSyncGraph, "local database is not bound to a remote graph")
	}

	localVersion, err := cfg.DB.SchemaVersion()
	if err != nil {
		return nil, Wrap(KindDBNotFound, err, "failed to read schema version")
	}
	if localVersion == "" {
		return nil, E(KindSchemaVersionNotFound, "local database has no schema version")
	}

	remoteVersion, err := cfg.DB.RemoteSchemaVersion()
	if err != nil {
		return nil, Wrap(KindDBNotFound, err, "failed to read remote schema version")
	}
	if remoteVersion == "" {
		return nil, E(KindRemoteSchemaVersionNotFound, "no remote schema version recorded")
	}

	if err := checkMajorVersions(cfg.AppSchemaVersion, localVersion, remoteVersion); err != nil {
		return nil, err
	}

	return &StartupInfo{
		User: user,
		Graph: GraphIdentity{
			GraphUUID:          graphUUID,
			MajorSchemaVersion: semver.Major(localVersion),
		},
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
	}, nil
}

// checkMajorVersions verifies the major components of app, local, and remote
// schema versions all agree, classifying a mismatch by which pair differs.
func checkMajorVersions(app, local, remote string) error {
	appMajor := semver.Major(app)
	localMajor := semver.Major(local)
	remoteMajor := semver.Major(remote)

	if appMajor == "" {
		return Ef(KindSchemaVersionNotFound, "malformed app schema version %q", app)
	}
	if localMajor == "" {
		return Ef(KindSchemaVersionNotFound, "malformed local schema version %q", local)
	}
	if remoteMajor == "" {
		return Ef(KindRemoteSchemaVersionNotFound, "malformed remote schema version %q", remote)
	}

	if localMajor != remoteMajor {
		e := Ef(KindMajorSchemaMismatch, "local %s vs remote %s", local, remote)
		if semver.Compare(localMajor, remoteMajor) > 0 {
			e.Side = SideLocalAhead
		} else {
			e.Side = SideRemoteAhead
		}
		return e
	}

	if appMajor != localMajor {
		e := Ef(KindMajorSchemaMismatch, "app %s vs graph %s", app, local)
		if semver.Compare(appMajor, localMajor) > 0 {
			e.Side = SideAppAhead
		} else {
			e.Side = SideAppBehind
		}
		return e
	}

	return nil
}
