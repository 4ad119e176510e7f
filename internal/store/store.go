// Package store holds the canvas grid. Every backend keeps one Pixel per
// (x, y) cell of an N×N canvas and assigns IDs in row-major order, so that
// ID = (x-1)*N + y.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when a pixel does not exist.
var ErrNotFound = errors.New("pixel not found")

// Pixel represents a single cell of the canvas
type Pixel struct {
	ID           int64     `json:"id" bson:"_id"`
	X            int       `json:"x" bson:"x"`
	Y            int       `json:"y" bson:"y"`
	Color        string    `json:"color" bson:"color"`
	ModifyTimes  int       `json:"modify_times" bson:"modify_times"`
	LastModified time.Time `json:"last_modified" bson:"last_modified"`
}

// Store is the persistent grid consumed by the HTTP layer and the snapshot cache.
type Store interface {
	// Get returns the pixel at (x, y) or ErrNotFound.
	Get(ctx context.Context, x, y int) (Pixel, error)
	// Set changes the color of pixel id, increments its modify count and
	// stamps the modification time in one atomic step.
	Set(ctx context.Context, id int64, color string) (Pixel, error)
	// Count returns the number of stored pixels.
	Count(ctx context.Context) (int, error)
	// BulkInit creates the n×n grid filled with color. It is a no-op when
	// any pixel already exists.
	BulkInit(ctx context.Context, n int, color string) error
	// Colors returns every pixel color in row-major order.
	Colors(ctx context.Context) ([]string, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

var colorPattern = regexp.MustCompile(`^[0-9a-f]{6}$`)

// ValidColor reports whether color is six lowercase hex digits.
func ValidColor(color string) bool {
	return colorPattern.MatchString(color)
}

// ValidCoord reports whether (x, y) lies inside an n×n canvas.
func ValidCoord(n, x, y int) bool {
	return x >= 1 && x <= n && y >= 1 && y <= n
}

// PixelID returns the row-major ID of (x, y) in an n×n canvas.
func PixelID(n, x, y int) int64 {
	return int64(x-1)*int64(n) + int64(y)
}

// Coord is the inverse of PixelID.
func Coord(n int, id int64) (x, y int) {
	return int((id-1)/int64(n)) + 1, int((id-1)%int64(n)) + 1
}

// Open selects a backend from the URL scheme: memory://, sqlite://<path>
// or mongodb://... The canvas size is needed to map IDs to coordinates.
func Open(ctx context.Context, url string, size int) (Store, error) {
	switch {
	case url == "memory://" || strings.HasPrefix(url, "memory:"):
		return NewMemory(size), nil
	case strings.HasPrefix(url, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(url, "sqlite://"), size)
	case strings.HasPrefix(url, "mongodb://"), strings.HasPrefix(url, "mongodb+srv://"):
		return OpenMongo(ctx, url, "canvas", size)
	default:
		return nil, fmt.Errorf("store: unsupported url %q", url)
	}
}
