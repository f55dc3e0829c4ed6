package attr

import (
	"fmt"
	"time"
)

// Names of the built in attributes.
const (
	Title          = "title"
	Artist         = "artist"
	Artists        = "artists"
	TrackNumber    = "track"
	TrackTotal     = "tracktotal"
	DiscNumber     = "disc"
	Length         = "length"
	Genre          = "genre"
	Path           = "path"
	Format         = "format"
	Added          = "added"
	MBRecordingID  = "mb_trackid"
	Album          = "album"
	AlbumArtist    = "albumartist"
	AlbumArtists   = "albumartists"
	Date           = "date"
	Year           = "year"
	Label          = "label"
	CatalogueNum   = "catalognum"
	MediaFormat    = "media"
	Disambiguation = "albumdisambig"
	MBReleaseID    = "mb_albumid"
	Source         = "data_source"
	Comp           = "comp"

	Decade     = "decade"
	TrackLabel = "tracklabel"
)

// Builtin returns the types every library knows about.
func Builtin() []Type {
	return []Type{
		{Name: Title, Kind: KindText, Fuzzy: true},
		{Name: Artist, Kind: KindText, Fuzzy: true},
		{Name: Artists, Kind: KindList},
		{Name: TrackNumber, Kind: KindInt},
		{Name: TrackTotal, Kind: KindInt, Level: LevelAlbum},
		{Name: DiscNumber, Kind: KindInt, Default: int64(1)},
		{Name: Length, Kind: KindFloat},
		{Name: Genre, Kind: KindText, Fuzzy: true},
		{Name: Path, Kind: KindText, Natural: true},
		{Name: Format, Kind: KindText},
		{Name: Added, Kind: KindDate},
		{Name: MBRecordingID, Kind: KindText},

		{Name: Album, Kind: KindText, Level: LevelAlbum, Fuzzy: true},
		{Name: AlbumArtist, Kind: KindText, Level: LevelAlbum, Fuzzy: true},
		{Name: AlbumArtists, Kind: KindList, Level: LevelAlbum},
		{Name: Date, Kind: KindDate, Level: LevelAlbum},
		{Name: Year, Kind: KindInt, Level: LevelAlbum},
		{Name: Label, Kind: KindText, Level: LevelAlbum},
		{Name: CatalogueNum, Kind: KindText, Level: LevelAlbum, Natural: true},
		{Name: MediaFormat, Kind: KindText, Level: LevelAlbum},
		{Name: Disambiguation, Kind: KindText, Level: LevelAlbum},
		{Name: MBReleaseID, Kind: KindText, Level: LevelAlbum},
		{Name: Source, Kind: KindEnum, Level: LevelAlbum, Values: []string{"", "local", "musicbrainz", "fixture"}},
		{Name: Comp, Kind: KindInt, Level: LevelAlbum},

		{
			Name: Decade, Kind: KindInt, DependsOn: []string{Year},
			Derive: func(get func(string) any) any {
				y, _ := get(Year).(int64)
				return y - y%10
			},
		},
		{
			Name: TrackLabel, Kind: KindText, DependsOn: []string{TrackNumber, TrackTotal},
			Derive: func(get func(string) any) any {
				n, _ := get(TrackNumber).(int64)
				total, _ := get(TrackTotal).(int64)
				if total == 0 {
					return fmt.Sprintf("%02d", n)
				}
				return fmt.Sprintf("%02d/%02d", n, total)
			},
		},
	}
}

// Default is the process wide registry, populated with the builtin types. Callers may register
// extra types before the first library is opened, which freezes it.
var Default = NewRegistry()

func init() {
	Default.MustRegister(Builtin()...)
}

// Now is the clock used for "added" timestamps. Replaced in tests.
var Now = func() time.Time { return time.Now().UTC().Truncate(time.Second) }
