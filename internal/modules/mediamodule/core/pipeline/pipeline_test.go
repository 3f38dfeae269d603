package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/ffmpeg"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/metrics"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/quality"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	meta *types.AudioMetadata
	err  error
}

func (f *fakeProber) Probe(ctx context.Context, path string) (*types.AudioMetadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := *f.meta
	return &m, nil
}

// fakeEncoder writes a marker file per output and fails the named presets
type fakeEncoder struct {
	failPresets map[string]bool
	calls       atomic.Int32
}

func (f *fakeEncoder) EncodePreview(ctx context.Context, in, out string, spec ffmpeg.PreviewSpec) error {
	f.calls.Add(1)
	return os.WriteFile(out, []byte(fmt.Sprintf("preview %ds", spec.DurationSeconds)), 0644)
}

func (f *fakeEncoder) EncodeQuality(ctx context.Context, in, out string, preset quality.Preset) error {
	f.calls.Add(1)
	if f.failPresets[preset.Name] {
		return mediaerrors.EncodeFailure("encode_"+preset.Name, &mediaerrors.EncodeError{ExitCode: 1, StderrTail: "Invalid data"})
	}
	return os.WriteFile(out, []byte("encoded "+preset.Name), 0644)
}

func (f *fakeEncoder) Segment(ctx context.Context, in, outDir string, segmentSeconds int, ext string) (*ffmpeg.Segmented, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	out := &ffmpeg.Segmented{}
	for i := 0; i < 3; i++ {
		p := filepath.Join(outDir, fmt.Sprintf("seg_%03d.%s", i, ext))
		if err := os.WriteFile(p, []byte("segment"), 0644); err != nil {
			return nil, err
		}
		out.Files = append(out.Files, p)
	}
	if ext == quality.FragmentedExtension {
		out.Init = filepath.Join(outDir, ffmpeg.FMP4InitName)
		if err := os.WriteFile(out.Init, []byte("init"), 0644); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f *fakeEncoder) EncodeImage(ctx context.Context, in, out string, size, webpQuality int) error {
	if size == 1200 && f.failPresets["large"] {
		return mediaerrors.EncodeFailure("encode_image", &mediaerrors.EncodeError{ExitCode: 1})
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("webp %d q%d", size, webpQuality)), 0644)
}

// failingPutStore fails uploads whose key contains failOn
type failingPutStore struct {
	storage.ObjectStore
	failOn string
}

func (s *failingPutStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if strings.Contains(key, s.failOn) {
		return mediaerrors.StorageError("put", errors.New("bucket unavailable"))
	}
	return s.ObjectStore.Put(ctx, key, body, contentType)
}

func setupStore(t *testing.T) *storage.LocalStore {
	store, err := storage.NewLocalStore(storage.LocalConfig{
		RootDir: t.TempDir(),
		BaseURL: "http://localhost/objects",
		Secret:  "secret",
	}, hclog.NewNullLogger())
	require.NoError(t, err)
	return store
}

func writeRaw(t *testing.T, tempRoot, sessionID string) string {
	dir := filepath.Join(tempRoot, sessionID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	p := filepath.Join(dir, "assembled.wav")
	require.NoError(t, os.WriteFile(p, []byte("RIFF....WAVE"), 0644))
	return p
}

func listAll(t *testing.T, store storage.ObjectStore) []string {
	objects, err := store.List(context.Background(), "")
	require.NoError(t, err)
	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
	}
	return keys
}

func newAudioPipeline(t *testing.T, store storage.ObjectStore, encoder AudioEncoder, tempRoot string) *AudioPipeline {
	prober := &fakeProber{meta: &types.AudioMetadata{
		DurationSeconds: 25,
		BitrateBps:      1411200,
		SampleRateHz:    44100,
		ChannelCount:    2,
		ContainerFormat: "wav",
		Codec:           "pcm_s16le",
	}}
	return NewAudioPipeline(prober, encoder, store, quality.DefaultTable(), nil, AudioConfig{
		TempDir:         tempRoot,
		Preview:         ffmpeg.DefaultPreviewSpec(),
		SegmentDuration: 10,
	}, metrics.New(prometheus.NewRegistry()), hclog.NewNullLogger())
}

func TestAudioPipeline_PublishesEveryRendition(t *testing.T) {
	store := setupStore(t)
	tempRoot := t.TempDir()
	raw := writeRaw(t, tempRoot, "s-1")

	p := newAudioPipeline(t, store, &fakeEncoder{}, tempRoot)

	set, meta, err := p.Process(context.Background(), Job{
		SessionID: "s-1",
		OwnerID:   "owner-1",
		BeatID:    "beat-1",
		RawFile:   raw,
		Options:   types.ProcessingOptions{GeneratePreview: true, GenerateHLS: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "audio/owner-1/beat-1/preview.mp3", set.PreviewKey)
	assert.Equal(t, map[string]string{
		"low":    "audio/owner-1/beat-1/128k.mp3",
		"medium": "audio/owner-1/beat-1/320k.mp3",
		"high":   "audio/owner-1/beat-1/lossless.flac",
	}, set.QualityKeys)
	assert.Equal(t, "playlists/beat-1/master.m3u8", set.HLSManifestKey)
	assert.Equal(t, int64(len("RIFF....WAVE")), meta.SizeBytes)

	for _, key := range set.Keys() {
		ok, err := store.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}

	rc, err := store.Get(context.Background(), set.HLSManifestKey)
	require.NoError(t, err)
	master, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n#EXT-X-VERSION:3\n"+
		"#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS=\"mp4a.40.34\"\nlow.m3u8\n"+
		"#EXT-X-STREAM-INF:BANDWIDTH=320000,CODECS=\"mp4a.40.34\"\nmedium.m3u8\n"+
		"#EXT-X-STREAM-INF:BANDWIDTH=1411200,CODECS=\"fLaC\"\nhigh.m3u8\n", string(master))

	rc, err = store.Get(context.Background(), "playlists/beat-1/low.m3u8")
	require.NoError(t, err)
	variant, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Contains(t, string(variant), "#EXTINF:10.000,\nlow/seg_000.mp3\n")
	assert.Contains(t, string(variant), "#EXTINF:5.000,\nlow/seg_002.mp3\n")
	assert.True(t, strings.HasSuffix(string(variant), "#EXT-X-ENDLIST\n"))

	// flac is segmented as fragmented mp4
	for _, key := range []string{"playlists/beat-1/high/seg_001.m4s", "playlists/beat-1/high/init.mp4"} {
		ok, err := store.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}

	rc, err = store.Get(context.Background(), "playlists/beat-1/high.m3u8")
	require.NoError(t, err)
	variant, err = io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Contains(t, string(variant), "#EXT-X-VERSION:7\n")
	assert.Contains(t, string(variant), "#EXT-X-MAP:URI=\"high/init.mp4\"\n")
	assert.Contains(t, string(variant), "high/seg_000.m4s\n")

	_, statErr := os.Stat(filepath.Join(tempRoot, "s-1"))
	assert.True(t, os.IsNotExist(statErr), "temp dir must be removed")
}

func TestAudioPipeline_FailedEncodePublishesNothing(t *testing.T) {
	store := setupStore(t)
	tempRoot := t.TempDir()
	raw := writeRaw(t, tempRoot, "s-2")

	encoder := &fakeEncoder{failPresets: map[string]bool{quality.High: true}}
	p := newAudioPipeline(t, store, encoder, tempRoot)

	set, meta, err := p.Process(context.Background(), Job{
		SessionID: "s-2",
		OwnerID:   "owner-1",
		BeatID:    "beat-2",
		RawFile:   raw,
		Options:   types.ProcessingOptions{GeneratePreview: true, GenerateHLS: true},
	})
	require.Error(t, err)
	assert.Nil(t, set)
	assert.Nil(t, meta)
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeEncode))
	assert.NotContains(t, err.Error(), "Invalid data", "stderr must not leak")

	assert.Empty(t, listAll(t, store))

	_, statErr := os.Stat(filepath.Join(tempRoot, "s-2"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestAudioPipeline_UploadFailureRollsBack(t *testing.T) {
	inner := setupStore(t)
	store := &failingPutStore{ObjectStore: inner, failOn: "master.m3u8"}
	tempRoot := t.TempDir()
	raw := writeRaw(t, tempRoot, "s-3")

	p := newAudioPipeline(t, store, &fakeEncoder{}, tempRoot)

	_, _, err := p.Process(context.Background(), Job{
		SessionID: "s-3",
		OwnerID:   "owner-1",
		BeatID:    "beat-3",
		RawFile:   raw,
		Options:   types.ProcessingOptions{GeneratePreview: true, GenerateHLS: true},
	})
	require.Error(t, err)
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeStorage))

	// renditions, segments and variant playlists were all written, then removed
	assert.Empty(t, listAll(t, inner))
}

func TestAudioPipeline_RollbackKeepsObjectsFromEarlierRun(t *testing.T) {
	inner := setupStore(t)
	ctx := context.Background()
	published := "audio/owner-1/beat-5/128k.mp3"
	require.NoError(t, inner.Put(ctx, published, strings.NewReader("earlier run"), "audio/mpeg"))

	store := &failingPutStore{ObjectStore: inner, failOn: "master.m3u8"}
	tempRoot := t.TempDir()
	raw := writeRaw(t, tempRoot, "s-5")

	p := newAudioPipeline(t, store, &fakeEncoder{}, tempRoot)
	_, _, err := p.Process(ctx, Job{
		SessionID: "s-5",
		OwnerID:   "owner-1",
		BeatID:    "beat-5",
		RawFile:   raw,
		Options:   types.ProcessingOptions{GeneratePreview: true, GenerateHLS: true},
	})
	require.Error(t, err)

	// only the key the catalog may still reference is left
	assert.Equal(t, []string{published}, listAll(t, inner))
}

func TestAudioPipeline_ProbeFailure(t *testing.T) {
	store := setupStore(t)
	tempRoot := t.TempDir()
	raw := writeRaw(t, tempRoot, "s-4")

	encoder := &fakeEncoder{}
	p := NewAudioPipeline(&fakeProber{err: mediaerrors.UnprobableMediaError("probe", mediaerrors.ErrNoAudioStream)},
		encoder, store, nil, nil, AudioConfig{TempDir: tempRoot}, nil, hclog.NewNullLogger())

	_, _, err := p.Process(context.Background(), Job{SessionID: "s-4", OwnerID: "o", BeatID: "b", RawFile: raw})
	require.Error(t, err)
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeUnprobableMedia))
	assert.Equal(t, int32(0), encoder.calls.Load(), "nothing is encoded after a failed probe")
}

func TestAudioPipeline_QualitySubsetAndPreviewDuration(t *testing.T) {
	store := setupStore(t)
	tempRoot := t.TempDir()
	raw := writeRaw(t, tempRoot, "s-5")

	p := newAudioPipeline(t, store, &fakeEncoder{}, tempRoot)

	set, _, err := p.Process(context.Background(), Job{
		SessionID: "s-5",
		OwnerID:   "o",
		BeatID:    "b",
		RawFile:   raw,
		Options: types.ProcessingOptions{
			GeneratePreview: true,
			PreviewDuration: 15,
			Qualities:       []string{quality.Low},
		},
	})
	require.NoError(t, err)
	assert.Len(t, set.QualityKeys, 1)
	assert.Empty(t, set.HLSManifestKey)

	rc, err := store.Get(context.Background(), set.PreviewKey)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "preview 15s", string(data))

	_, _, err = p.Process(context.Background(), Job{
		SessionID: "s-6", OwnerID: "o", BeatID: "b", RawFile: writeRaw(t, tempRoot, "s-6"),
		Options: types.ProcessingOptions{Qualities: []string{"ultra"}},
	})
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeValidation))
}

// countingEncoder records the peak number of concurrent encodes
type countingEncoder struct {
	fakeEncoder
	mu      sync.Mutex
	active  int
	maxSeen int
	release chan struct{}
}

func (c *countingEncoder) EncodeQuality(ctx context.Context, in, out string, preset quality.Preset) error {
	c.mu.Lock()
	c.active++
	if c.active > c.maxSeen {
		c.maxSeen = c.active
	}
	c.mu.Unlock()

	<-c.release

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return c.fakeEncoder.EncodeQuality(ctx, in, out, preset)
}

func TestAudioPipeline_MaxConcurrent(t *testing.T) {
	store := setupStore(t)
	tempRoot := t.TempDir()
	raw := writeRaw(t, tempRoot, "s-7")

	encoder := &countingEncoder{release: make(chan struct{})}
	p := newAudioPipeline(t, store, encoder, tempRoot)
	p.config.MaxConcurrent = 1

	go func() {
		for i := 0; i < 3; i++ {
			encoder.release <- struct{}{}
		}
	}()

	_, _, err := p.Process(context.Background(), Job{SessionID: "s-7", OwnerID: "o", BeatID: "b", RawFile: raw})
	require.NoError(t, err)
	assert.Equal(t, 1, encoder.maxSeen)
}

func TestImagePipeline_PublishesFourSizes(t *testing.T) {
	store := setupStore(t)
	tempRoot := t.TempDir()
	src := writeRaw(t, tempRoot, "img-1")

	p := NewImagePipeline(&fakeEncoder{}, store, ImageConfig{TempDir: tempRoot}, nil, hclog.NewNullLogger())

	keys, err := p.Process(context.Background(), "img-1", src, "beat-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, types.ArtworkKeys{
		"mini":   "artwork/owner-1/beat-1/mini.webp",
		"small":  "artwork/owner-1/beat-1/small.webp",
		"medium": "artwork/owner-1/beat-1/medium.webp",
		"large":  "artwork/owner-1/beat-1/large.webp",
	}, keys)

	rc, err := store.Get(context.Background(), keys["large"])
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "webp 1200 q85", string(data))

	_, statErr := os.Stat(filepath.Join(tempRoot, "img-1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestImagePipeline_AllOrNothing(t *testing.T) {
	store := setupStore(t)
	tempRoot := t.TempDir()
	src := writeRaw(t, tempRoot, "img-2")

	encoder := &fakeEncoder{failPresets: map[string]bool{"large": true}}
	p := NewImagePipeline(encoder, store, ImageConfig{TempDir: tempRoot}, nil, hclog.NewNullLogger())

	keys, err := p.Process(context.Background(), "img-2", src, "beat-1", "owner-1")
	require.Error(t, err)
	assert.Nil(t, keys)
	assert.Empty(t, listAll(t, store))

	// upload failure after some thumbnails landed
	failing := &failingPutStore{ObjectStore: store, failOn: "large.webp"}
	p = NewImagePipeline(&fakeEncoder{}, failing, ImageConfig{TempDir: tempRoot}, nil, hclog.NewNullLogger())
	_, err = p.Process(context.Background(), "img-3", writeRaw(t, tempRoot, "img-3"), "beat-1", "owner-1")
	require.Error(t, err)
	assert.Empty(t, listAll(t, store))
}

func TestNativeImageEncoder(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "cover.png")

	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	for x := 0; x < 400; x++ {
		for y := 0; y < 200; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	f, err := os.Create(in)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	out := filepath.Join(dir, "thumb.webp")
	require.NoError(t, NativeImageEncoder{}.EncodeImage(context.Background(), in, out, 150, 85))

	thumb, err := os.Open(out)
	require.NoError(t, err)
	defer thumb.Close()
	cfg, format, err := image.DecodeConfig(thumb)
	require.NoError(t, err)
	assert.Equal(t, "webp", format)
	assert.Equal(t, 150, cfg.Width)
	assert.Equal(t, 150, cfg.Height)

	err = NativeImageEncoder{}.EncodeImage(context.Background(), filepath.Join(dir, "missing.png"), out, 150, 85)
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeValidation))
}
