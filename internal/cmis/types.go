package cmis

import (
	"time"
)

// BaseType is the CMIS base object type.
type BaseType string

// Base types as reported in cmis:baseTypeId.
const (
	BaseTypeDocument BaseType = "cmis:document"
	BaseTypeFolder   BaseType = "cmis:folder"
)

// Object is a snapshot of a repository object's properties. Path uses the
// repository's "/" separator and is absolute within the repository.
type Object struct {
	ID       string
	Name     string
	Path     string
	BaseType BaseType
	ParentID string

	// Document-only fields.
	Size        int64
	ContentHash string // hex SHA-256 of the content stream, when reported
	MimeType    string

	Modified time.Time
}

// IsFolder reports whether the object is a folder.
func (o *Object) IsFolder() bool {
	return o.BaseType == BaseTypeFolder
}

// ChangeType is the kind of a change-log event.
type ChangeType string

// Change event types per the CMIS changeType enumeration.
const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeDeleted  ChangeType = "deleted"
	ChangeSecurity ChangeType = "security"
)

// ChangeEvent is one entry of the repository change log. Time is the zero
// value when the server omits cmis:changeTime.
type ChangeEvent struct {
	ObjectID string
	Type     ChangeType
	Time     time.Time
}

// ChangeBatch is one page of the change log.
type ChangeBatch struct {
	Events      []ChangeEvent
	LatestToken string
	HasMore     bool
}

// RepositoryInfo describes the repository and its change-log capability.
type RepositoryInfo struct {
	ID                   string
	Name                 string
	ProductName          string
	RootFolderID         string
	LatestChangeLogToken string
	ChangesCapability    string // "none", "objectidsonly", "properties", "all"
}
