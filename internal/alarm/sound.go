package alarm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
	"github.com/patrickmn/go-cache"
)

// Sound loading defaults.
const (
	DefaultMaxSoundBytes = 10 << 20
	DefaultSoundCacheTTL = 30 * time.Minute
	DefaultOutputRate    = 48000
	fetchTimeout         = 30 * time.Second
)

// Sound failure sentinels, mapped onto playback sub-kinds by PlaybackError.
var (
	ErrPlaybackAborted  = errors.New("playback aborted")
	ErrSoundFetch       = errors.New("alarm sound download failed")
	ErrSoundDecode      = errors.New("alarm sound is corrupt")
	ErrUnsupportedSound = errors.New("alarm sound format or location not supported")
)

// S3Config holds credentials for s3:// sound references.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// IsConfigured reports whether credentials are present.
func (c *S3Config) IsConfigured() bool {
	return util.IsConfigured(c.AccessKeyID, c.SecretAccessKey)
}

// LoaderConfig holds the settings for a SoundLoader.
type LoaderConfig struct {
	SampleRate int           // output rate of decoded sounds
	MaxBytes   int64         // largest accepted encoded sound
	CacheTTL   time.Duration // how long decoded sounds are kept
	S3         S3Config
	HTTPClient *http.Client
}

// Sound is decoded alarm audio as interleaved stereo S16LE.
type Sound struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// SoundLoader resolves sound references into playable PCM.
// It is safe for concurrent use.
type SoundLoader struct {
	cfg    LoaderConfig
	cache  *cache.Cache
	client *http.Client
	s3     *s3.Client
}

// NewSoundLoader creates a loader with a decoded-sound cache.
func NewSoundLoader(cfg LoaderConfig) *SoundLoader {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultOutputRate
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxSoundBytes
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultSoundCacheTTL
	}

	l := &SoundLoader{
		cfg:    cfg,
		cache:  cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		client: cfg.HTTPClient,
	}
	if l.client == nil {
		l.client = &http.Client{Timeout: fetchTimeout}
	}
	if cfg.S3.IsConfigured() {
		l.s3 = newS3Client(&cfg.S3)
	}
	return l
}

// newS3Client creates an S3 client with static credentials and an optional custom endpoint.
func newS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
			if cfg.Region != "" {
				o.Region = cfg.Region
			}
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...)
}

// SampleRate returns the output rate of loaded sounds.
func (l *SoundLoader) SampleRate() int {
	return l.cfg.SampleRate
}

// Load resolves and decodes a sound reference, using the cache when possible.
func (l *SoundLoader) Load(ctx context.Context, ref string) (*Sound, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUnsupportedSound)
	}

	key := cacheKey(ref)
	if cached, ok := l.cache.Get(key); ok {
		if sound, ok := cached.(*Sound); ok {
			return sound, nil
		}
	}

	sound, err := l.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	l.cache.Set(key, sound, cache.DefaultExpiration)
	slog.Debug("alarm sound loaded", "ref", describeRef(ref), "duration", sound.Duration)
	return sound, nil
}

// Forget drops a reference from the cache so the next Load fetches it again.
func (l *SoundLoader) Forget(ref string) {
	l.cache.Delete(cacheKey(strings.TrimSpace(ref)))
}

func (l *SoundLoader) load(ctx context.Context, ref string) (*Sound, error) {
	if name, ok := strings.CutPrefix(ref, builtinPrefix); ok {
		return builtinSound(name, l.cfg.SampleRate)
	}

	data, err := l.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return decodeWAV(data, l.cfg.SampleRate)
}

// fetch returns the encoded bytes behind a reference.
func (l *SoundLoader) fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "data:") {
		return l.decodeDataURI(ref)
	}

	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return l.readFile(ref)
	}

	switch u.Scheme {
	case "http", "https":
		return l.fetchHTTP(ctx, ref)
	case "s3":
		return l.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "file":
		return l.readFile(u.Path)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedSound, u.Scheme)
	}
}

// decodeDataURI decodes a data: URI carrying WAV audio.
func (l *SoundLoader) decodeDataURI(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data URI", ErrSoundDecode)
	}

	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if mt, _, _ := strings.Cut(mediaType, ";"); mt != "" && !isWAVMediaType(mt) {
		return nil, fmt.Errorf("%w: media type %q", ErrUnsupportedSound, mt)
	}

	var data []byte
	if isBase64 {
		cleaned := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, payload)
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSoundDecode, err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSoundDecode, err)
		}
		data = []byte(unescaped)
	}

	if int64(len(data)) > l.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: sound exceeds %d bytes", ErrUnsupportedSound, l.cfg.MaxBytes)
	}
	return data, nil
}

func isWAVMediaType(mt string) bool {
	switch strings.ToLower(mt) {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave", "application/octet-stream":
		return true
	}
	return false
}

func (l *SoundLoader) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedSound, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ErrPlaybackAborted, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSoundFetch, err)
	}
	defer util.SafeCloseFunc(resp.Body, "alarm sound response")()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrSoundFetch, resp.StatusCode)
	}
	return l.readLimited(resp.Body)
}

func (l *SoundLoader) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if l.s3 == nil {
		return nil, fmt.Errorf("%w: S3 credentials not configured", ErrUnsupportedSound)
	}
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: s3 reference needs bucket and key", ErrUnsupportedSound)
	}

	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ErrPlaybackAborted, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSoundFetch, err)
	}
	defer util.SafeCloseFunc(out.Body, "s3 object")()

	return l.readLimited(out.Body)
}

func (l *SoundLoader) readFile(path string) ([]byte, error) {
	if err := util.ValidatePath("alarm sound", path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedSound, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedSound, err)
	}
	defer util.SafeCloseFunc(f, "alarm sound file")()
	return l.readLimited(f)
}

func (l *SoundLoader) readLimited(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, l.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSoundFetch, err)
	}
	if n > l.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: sound exceeds %d bytes", ErrUnsupportedSound, l.cfg.MaxBytes)
	}
	return buf.Bytes(), nil
}

// PlaybackError maps a load or playback failure onto a classified playback error.
func PlaybackError(err error) *types.MonitorError {
	if err == nil {
		return nil
	}
	if me, ok := types.AsMonitorError(err); ok {
		return me
	}
	switch {
	case errors.Is(err, ErrPlaybackAborted), errors.Is(err, context.Canceled):
		return types.NewPlaybackError(types.PlaybackAborted, err)
	case errors.Is(err, ErrSoundFetch), errors.Is(err, context.DeadlineExceeded):
		return types.NewPlaybackError(types.PlaybackNetwork, err)
	case errors.Is(err, ErrSoundDecode):
		return types.NewPlaybackError(types.PlaybackDecode, err)
	case errors.Is(err, ErrUnsupportedSound):
		return types.NewPlaybackError(types.PlaybackUnsupported, err)
	default:
		return types.NewPlaybackError(types.PlaybackUnknown, err)
	}
}

// cacheKey hashes long references so data URIs do not become map keys.
func cacheKey(ref string) string {
	if len(ref) <= 256 {
		return ref
	}
	sum := sha256.Sum256([]byte(ref))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// describeRef shortens a reference for logging.
func describeRef(ref string) string {
	if strings.HasPrefix(ref, "data:") {
		meta, _, _ := strings.Cut(ref, ",")
		return fmt.Sprintf("%s,… (%d bytes)", meta, len(ref))
	}
	return ref
}
