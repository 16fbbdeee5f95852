package models

import (
	"path/filepath"
	"strings"
)

const (
	// VideoExtension is the extension given to raw dash cam videos
	VideoExtension = ".mp4"
	// ResultExtension is the extension given to analysis results
	ResultExtension = ".json"
)

// ContentKind distinguishes videos from analysis results
type ContentKind string

const (
	ContentVideo  ContentKind = "video"
	ContentResult ContentKind = "result"
)

// Content is a file that can be queued, transferred or stored
type Content struct {
	Kind ContentKind `json:"kind"`
	Name string      `json:"name"` // base filename, e.g. "V1.mp4"
	Path string      `json:"path"` // absolute location on this device
}

// NewVideo creates video content from a file path
func NewVideo(path string) Content {
	return Content{Kind: ContentVideo, Name: filepath.Base(path), Path: path}
}

// NewResult creates result content from a file path
func NewResult(path string) Content {
	return Content{Kind: ContentResult, Name: filepath.Base(path), Path: path}
}

// BaseName returns the filename without its extension
func BaseName(name string) string {
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ResultNameFromVideoName maps "V1.mp4" to "V1.json"
func ResultNameFromVideoName(videoName string) string {
	return BaseName(videoName) + ResultExtension
}

// VideoNameFromResultName maps "V1.json" to "V1.mp4"
func VideoNameFromResultName(resultName string) string {
	return BaseName(resultName) + VideoExtension
}
