// mime.go — built-in extension→MIME table backing resource lookups that
// have no per-session override. Ported from the distilled system's
// mime_type table (text, image, font, audio, video families); default is
// text/plain for anything unrecognized.
package sandbox

import "strings"

var builtinMime = map[string]string{
	// text
	"htm":  "text/html",
	"html": "text/html",
	"css":  "text/css",
	"txt":  "text/plain",
	"js":   "text/javascript",
	"mjs":  "text/javascript",
	"json": "application/json",
	"xml":  "application/xml",

	// image
	"png":  "image/png",
	"jpe":  "image/jpeg",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"jif":  "image/jpeg",
	"jfif": "image/jpeg",
	"jfi":  "image/jpeg",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"dib":  "image/bmp",
	"ico":  "image/vnd.microsoft.icon",
	"tiff": "image/tiff",
	"tif":  "image/tiff",
	"svg":  "image/svg+xml",
	"svgz": "image/svg+xml",
	"webp": "image/webp",
	"avif": "image/avif",

	// font
	"otf":   "font/otf",
	"ttf":   "font/ttf",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"eot":   "application/vnd.ms-fontobject",

	// audio
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"weba": "audio/webm",
	"mid":  "audio/midi",
	"midi": "audio/midi",
	"oga":  "audio/ogg",
	"opus": "audio/opus",

	// video
	"mp4":  "video/mp4",
	"mpeg": "video/mpeg",
	"webm": "video/webm",
	"avi":  "video/x-msvideo",
}

const defaultMime = "text/plain"

// builtinMimeFor returns the built-in MIME type for a URL's extension,
// or defaultMime if unrecognized.
func builtinMimeFor(url string) string {
	ext := extOf(url)
	if mime, ok := builtinMime[ext]; ok {
		return mime
	}
	return defaultMime
}

func extOf(url string) string {
	dot := strings.LastIndexByte(url, '.')
	slash := strings.LastIndexByte(url, '/')
	if dot < 0 || dot < slash {
		return ""
	}
	return strings.ToLower(url[dot+1:])
}
