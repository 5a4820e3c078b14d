package privilege

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/phuslu/log"
	"github.com/spf13/viper"
)

const (
	GRANT_FILE_INVALID string = "grant_file_invalid"
	BACKGROUND_GRANTED string = "background_granted"
)

// File is an Oracle backed by a grant file the host platform shell keeps up
// to date, e.g.
//
//	coarse: true
//	fine: true
//	background: false
//	tier: needs_settings_for_background
//	rationale: [background_location]
type File struct {
	mu      sync.Mutex
	log     log.Logger
	v       *viper.Viper
	state   *Static
	granted func()
}

func NewFile(path string) (*File, error) {
	f := &File{v: viper.New()}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "privilege").Str("path", path).Value()
	f.v.SetConfigFile(path)
	f.v.SetDefault("coarse", false)
	f.v.SetDefault("fine", false)
	f.v.SetDefault("background", false)
	f.v.SetDefault("tier", "pre")
	f.v.SetDefault("rationale", []string{})
	if err := f.v.ReadInConfig(); err != nil {
		return nil, err
	}
	state, err := f.load()
	if err != nil {
		return nil, err
	}
	f.state = state
	return f, nil
}

func (f *File) load() (*Static, error) {
	tier, err := ParseTier(f.v.GetString("tier"))
	if err != nil {
		return nil, err
	}
	s := NewStatic(tier)
	for k, key := range map[Kind]string{CoarseLocation: "coarse", FineLocation: "fine", BackgroundLocation: "background"} {
		if f.v.GetBool(key) {
			s.Grant(k)
		}
	}
	for _, name := range f.v.GetStringSlice("rationale") {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		s.SetRationale(k, true)
	}
	return s, nil
}

func (f *File) current() *Static {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *File) IsGranted(k Kind) bool           { return f.current().IsGranted(k) }
func (f *File) Tier() Tier                      { return f.current().Tier() }
func (f *File) ShouldShowRationale(k Kind) bool { return f.current().ShouldShowRationale(k) }

// Watch reloads the file on change and calls onGranted whenever background
// location goes from denied to granted.
func (f *File) Watch(onGranted func()) {
	f.mu.Lock()
	f.granted = onGranted
	f.mu.Unlock()
	f.v.OnConfigChange(func(e fsnotify.Event) {
		f.reload()
	})
	f.v.WatchConfig()
}

func (f *File) reload() {
	next, err := f.load()
	if err != nil {
		f.log.Warn().Err(err).Str("event", GRANT_FILE_INVALID).Msg("")
		return
	}
	f.mu.Lock()
	before := f.state.IsGranted(BackgroundLocation)
	f.state = next
	cb := f.granted
	f.mu.Unlock()
	if !before && next.IsGranted(BackgroundLocation) && cb != nil {
		f.log.Info().Str("event", BACKGROUND_GRANTED).Msg("")
		cb()
	}
}
