package domain

import "time"

// RBACPolicy grants a user read and/or write access rooted at pathPrefix.
type RBACPolicy struct {
	UserID     string
	PathPrefix string
	CanRead    bool
	CanWrite   bool
}

// FileAuditAction enumerates the operations the file gateway audits.
type FileAuditAction string

const (
	FileActionListTree FileAuditAction = "list_tree"
	FileActionDownload FileAuditAction = "download"
	FileActionRead     FileAuditAction = "read_file"
	FileActionWrite    FileAuditAction = "write_file"
	FileActionRename   FileAuditAction = "rename"
	FileActionDelete   FileAuditAction = "delete_path"
	FileActionMkdir    FileAuditAction = "mkdir"
)

// FileAuditRecord is one row in the file-gateway audit log. Every attempt is
// recorded before the underlying operation runs, whether allowed or denied.
type FileAuditRecord struct {
	ID      int64
	UserID  string
	Action  FileAuditAction
	Path    string
	Allowed bool
	Reason  string
	TS      time.Time
}
