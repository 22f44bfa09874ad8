package vault

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ThumbnailSize names one of the fixed derived preview sizes.
type ThumbnailSize string

const (
	ThumbSmall  ThumbnailSize = "small"
	ThumbMedium ThumbnailSize = "medium"
	ThumbLarge  ThumbnailSize = "large"
)

// ThumbnailSizes lists the derived sizes in generation order.
var ThumbnailSizes = []ThumbnailSize{ThumbSmall, ThumbMedium, ThumbLarge}

// SanitizeFileName strips path separators and control characters from a
// client supplied file name. Names with a "." or ".." path segment are
// rejected, as is anything left empty after stripping.
func SanitizeFileName(name string) (string, error) {
	s := strings.TrimSpace(name)
	if strings.ContainsRune(s, 0) || traverses(s) {
		return "", Validationf("invalid file name %q", name)
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "", Validationf("invalid file name %q", name)
	}
	if len(s) > 255 {
		return "", Validationf("file name too long (max 255 bytes)")
	}
	return s, nil
}

func traverses(name string) bool {
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ObjectKey returns the permanent blob key for a file. The random component
// keeps two uploads of the same name in the same folder from colliding.
func ObjectKey(vaultID, folderPath, fileName string) string {
	folder := strings.Trim(path.Clean("/"+folderPath), "/")
	name := fmt.Sprintf("%s_%s", uuid.NewString(), fileName)
	if folder == "" {
		return path.Join("vaults", vaultID, name)
	}
	return path.Join("vaults", vaultID, folder, name)
}

// ChunkKey returns the temporary blob key of one uploaded chunk.
func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("_chunks/%s/%08d", sessionID, index)
}

// ThumbnailKey returns the derived key of a thumbnail of sourceKey.
func ThumbnailKey(sourceKey string, size ThumbnailSize) string {
	return fmt.Sprintf("%s.thumb-%s.jpg", sourceKey, size)
}

// JoinPath joins a folder path and a file name into a vault path.
func JoinPath(folderPath, name string) string {
	return path.Join("/", folderPath, name)
}

// InFolder reports whether filePath lies inside folderPath (at any depth).
func InFolder(filePath, folderPath string) bool {
	folder := path.Clean("/" + folderPath)
	if folder == "/" {
		return true
	}
	return strings.HasPrefix(path.Clean("/"+filePath), folder+"/")
}
