package download

import (
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2"
)

// Tags are ID3 values supplied with the download request
type Tags struct {
	Title  string
	Artist string
	Album  string
}

// Empty reports whether there is nothing to write
func (t Tags) Empty() bool {
	return t.Title == "" && t.Artist == "" && t.Album == ""
}

// writeTags stores non-empty fields into the file's ID3v2 tag. Only MP3
// files are touched; other formats are left alone.
func writeTags(path string, t Tags) error {
	if t.Empty() || !strings.EqualFold(filepath.Ext(path), ".mp3") {
		return nil
	}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return err
	}
	defer tag.Close()

	if t.Title != "" {
		tag.SetTitle(t.Title)
	}
	if t.Artist != "" {
		tag.SetArtist(t.Artist)
	}
	if t.Album != "" {
		tag.SetAlbum(t.Album)
	}
	return tag.Save()
}
