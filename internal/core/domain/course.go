package domain

import (
	"path/filepath"
	"strings"
)

type CourseID string
type ClassID string

// Course and Class mirror the records kept by the course catalogue service.
// Path is the playback path of the class media.
type Course struct {
	ID      CourseID `json:"id_curso"`
	Name    string   `json:"nombre_curso"`
	Classes []Class  `json:"clases_curso"`
}

type Class struct {
	ID       ClassID  `json:"id_clase"`
	Name     string   `json:"nombre_clase"`
	Type     int      `json:"tipo_clase"`
	Path     string   `json:"direccion_clase"`
	Position int      `json:"posicion_clase"`
	CourseID CourseID `json:"curso_clase"`
}

// MasterPlaylist is the name of the multi-rendition playlist written per class.
const MasterPlaylist = "master.m3u8"

// IsPlaylistPath reports whether p already points at an HLS playlist.
func IsPlaylistPath(p string) bool {
	return strings.EqualFold(filepath.Ext(p), ".m3u8")
}

// ConversionResult describes the outcome for one class of a batch.
type ConversionResult struct {
	ClassID      ClassID `json:"class_id"`
	Skipped      bool    `json:"skipped"`
	PlaybackPath string  `json:"playback_path,omitempty"`
	Error        string  `json:"error,omitempty"`
}

type BatchResult struct {
	CourseID  CourseID           `json:"course_id"`
	Results   []ConversionResult `json:"results"`
	Converted int                `json:"converted"`
	Skipped   int                `json:"skipped"`
	Failed    int                `json:"failed"`
}
