package filecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/infra/metrics"
)

const (
	imagesDir = "images"
	rawSuffix = "_raw.json"
	filePerm  = 0o644
	dirPerm   = 0o755
)

// Store хранит снимки каналов в JSON-файлах внутри одного каталога.
//
// Раскладка:
//
//	<dir>/channel_<id>_raw.json    сырая история
//	<dir>/channel_<id>.json        вычисленный рейтинг
//	<dir>/images/<id>/<msg>.jpg    скачанные фото
type Store struct {
	dir string
	log zerolog.Logger
}

// New создаёт хранилище и каталог кэша при необходимости.
func New(dir string, log zerolog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filecache: пустой каталог кэша")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("filecache: создание каталога: %w", err)
	}
	return &Store{dir: dir, log: log.With().Str("component", "filecache").Logger()}, nil
}

// Dir возвращает корневой каталог кэша.
func (s *Store) Dir() string { return s.dir }

func (s *Store) rawPath(channelID int64) string {
	return filepath.Join(s.dir, "channel_"+strconv.FormatInt(channelID, 10)+rawSuffix)
}

func (s *Store) resultPath(channelID int64) string {
	return filepath.Join(s.dir, "channel_"+strconv.FormatInt(channelID, 10)+".json")
}

func (s *Store) mediaDir(channelID int64) string {
	return filepath.Join(s.dir, imagesDir, strconv.FormatInt(channelID, 10))
}

func (s *Store) mediaFile(channelID int64, messageID int) string {
	return filepath.Join(s.mediaDir(channelID), strconv.Itoa(messageID)+".jpg")
}

// LoadRaw читает сырой снимок. Отсутствующий файл — (nil, nil).
func (s *Store) LoadRaw(channelID int64) (*domain.RawSnapshot, error) {
	var snap domain.RawSnapshot
	ok, err := s.load("raw", s.rawPath(channelID), &snap)
	if err != nil || !ok {
		return nil, err
	}
	if snap.Version != domain.SnapshotVersion || snap.ChannelID != channelID {
		return nil, s.corrupt("raw", channelID, fmt.Errorf("версия %d, канал %d", snap.Version, snap.ChannelID))
	}
	seen := make(map[int]struct{}, len(snap.Messages))
	for i, msg := range snap.Messages {
		if _, dup := seen[msg.ID]; dup {
			return nil, s.corrupt("raw", channelID, fmt.Errorf("повтор сообщения %d", msg.ID))
		}
		if i > 0 && snap.Messages[i-1].ID < msg.ID {
			return nil, s.corrupt("raw", channelID, fmt.Errorf("нарушен порядок сообщений на позиции %d", i))
		}
		seen[msg.ID] = struct{}{}
	}
	return &snap, nil
}

// SaveRaw атомарно записывает сырой снимок.
func (s *Store) SaveRaw(snapshot domain.RawSnapshot) error {
	if snapshot.ChannelID == 0 {
		return errors.New("filecache: снимок без ID канала")
	}
	snapshot.Version = domain.SnapshotVersion
	if err := s.save("raw", s.rawPath(snapshot.ChannelID), snapshot); err != nil {
		return err
	}
	s.log.Debug().Int64("channel", snapshot.ChannelID).Int("messages", len(snapshot.Messages)).Msg("filecache: сырой снимок сохранён")
	return nil
}

// LoadResult читает сохранённый рейтинг. Отсутствующий файл — (nil, nil).
func (s *Store) LoadResult(channelID int64) (*domain.ResultSnapshot, error) {
	var snap domain.ResultSnapshot
	ok, err := s.load("result", s.resultPath(channelID), &snap)
	if err != nil || !ok {
		return nil, err
	}
	if snap.Version != domain.SnapshotVersion || snap.ChannelID != channelID {
		return nil, s.corrupt("result", channelID, fmt.Errorf("версия %d, канал %d", snap.Version, snap.ChannelID))
	}
	return &snap, nil
}

// SaveResult атомарно записывает рейтинг.
func (s *Store) SaveResult(snapshot domain.ResultSnapshot) error {
	if snapshot.ChannelID == 0 {
		return errors.New("filecache: рейтинг без ID канала")
	}
	snapshot.Version = domain.SnapshotVersion
	return s.save("result", s.resultPath(snapshot.ChannelID), snapshot)
}

// Clear удаляет рейтинг канала, а при all — ещё сырую историю и скачанные фото.
func (s *Store) Clear(channelID int64, all bool) error {
	paths := []string{s.resultPath(channelID)}
	if all {
		paths = append(paths, s.rawPath(channelID))
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("filecache: удаление %s: %w", filepath.Base(p), err)
		}
	}
	if all {
		if err := os.RemoveAll(s.mediaDir(channelID)); err != nil {
			return fmt.Errorf("filecache: удаление фото: %w", err)
		}
	}
	s.log.Info().Int64("channel", channelID).Bool("all", all).Msg("filecache: кэш канала очищен")
	return nil
}

// MediaPath возвращает путь к скачанному фото, если оно есть.
func (s *Store) MediaPath(channelID int64, messageID int) (string, bool) {
	p := s.mediaFile(channelID, messageID)
	info, err := os.Stat(p)
	if err != nil || info.Size() == 0 {
		metrics.IncCacheEvent("media", "miss")
		return "", false
	}
	metrics.IncCacheEvent("media", "hit")
	return p, true
}

// SaveMedia атомарно сохраняет фото и возвращает путь к файлу.
func (s *Store) SaveMedia(channelID int64, messageID int, r io.Reader) (string, error) {
	dir := s.mediaDir(channelID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("filecache: каталог фото: %w", err)
	}
	p := s.mediaFile(channelID, messageID)
	if err := writeAtomic(p, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	}); err != nil {
		return "", fmt.Errorf("filecache: запись фото %d: %w", messageID, err)
	}
	metrics.IncCacheEvent("media", "write")
	return p, nil
}

// Channels возвращает ID каналов, для которых есть сырые снимки.
func (s *Store) Channels() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filecache: чтение каталога: %w", err)
	}
	var ids []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "channel_") || !strings.HasSuffix(name, rawSuffix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "channel_"), rawSuffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) load(kind, path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		metrics.IncCacheEvent(kind, "miss")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("filecache: чтение %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		metrics.IncCacheEvent(kind, "corrupt")
		s.log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("filecache: не удалось разобрать файл")
		return false, fmt.Errorf("%w: %s: %v", domain.ErrCacheCorrupt, filepath.Base(path), err)
	}
	metrics.IncCacheEvent(kind, "hit")
	return true, nil
}

func (s *Store) corrupt(kind string, channelID int64, reason error) error {
	metrics.IncCacheEvent(kind, "corrupt")
	s.log.Warn().Err(reason).Int64("channel", channelID).Str("kind", kind).Msg("filecache: запись кэша не прошла проверку")
	return fmt.Errorf("%w: канал %d: %v", domain.ErrCacheCorrupt, channelID, reason)
}

func (s *Store) save(kind, path string, v any) error {
	err := writeAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	})
	if err != nil {
		return fmt.Errorf("filecache: запись %s: %w", filepath.Base(path), err)
	}
	metrics.IncCacheEvent(kind, "write")
	return nil
}

// writeAtomic пишет во временный файл рядом с целевым и переименовывает его.
// Читатель видит либо старое, либо новое содержимое целиком.
func writeAtomic(path string, write func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Chmod(filePerm); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
