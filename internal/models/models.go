package models

import "time"

// FileEntry describes one uploaded file inside a transfer
type FileEntry struct {
	OriginalName string `json:"original_name"`
	StorageKey   string `json:"storage_key"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mime_type"`
	Checksum     string `json:"checksum,omitempty"`
}

// Transfer is a set of files shared through a single link
type Transfer struct {
	TransferID    string      `json:"transfer_id"`
	Files         []FileEntry `json:"files"`
	TotalSize     int64       `json:"total_size"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	DownloadCount int64       `json:"download_count"`
}

// SetFiles replaces the file list and recomputes TotalSize from it.
func (t *Transfer) SetFiles(files []FileEntry) {
	t.Files = files
	var total int64
	for _, f := range files {
		total += f.Size
	}
	t.TotalSize = total
}

// StorageKeys returns the blob keys of every file, in file order
func (t *Transfer) StorageKeys() []string {
	keys := make([]string, 0, len(t.Files))
	for _, f := range t.Files {
		keys = append(keys, f.StorageKey)
	}
	return keys
}

// ExpiredAt reports whether the transfer is logically gone at now.
func (t *Transfer) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// FileInfo is the public view of a FileEntry
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// TransferInfo is the public view of a Transfer; it never carries storage keys
type TransferInfo struct {
	TransferID string     `json:"transferId"`
	FileCount  int        `json:"fileCount"`
	TotalSize  int64      `json:"totalSize"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Files      []FileInfo `json:"files"`
}

// Info builds the public projection of t
func (t *Transfer) Info() TransferInfo {
	files := make([]FileInfo, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, FileInfo{Name: f.OriginalName, Size: f.Size, Type: f.MimeType})
	}
	return TransferInfo{
		TransferID: t.TransferID,
		FileCount:  len(t.Files),
		TotalSize:  t.TotalSize,
		ExpiresAt:  t.ExpiresAt.UTC(),
		Files:      files,
	}
}
