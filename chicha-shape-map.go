package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"image/color"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/crypto/acme/autocert"

	"chicha-shape-map/pkg/api"
	"chicha-shape-map/pkg/config"
	"chicha-shape-map/pkg/database"
	"chicha-shape-map/pkg/ingest"
	"chicha-shape-map/pkg/layers"
	"chicha-shape-map/pkg/layerstream"
	"chicha-shape-map/pkg/qrlogoext"
)

//go:embed public_html/map.html
var content embed.FS

var configPath = flag.String("config", "", "Optional YAML config file; flags set on the command line override it")
var version = flag.Bool("version", false, "Show the application version")

var CompileVersion = "dev"

var mapTemplate = template.Must(template.ParseFS(content, "public_html/map.html"))

// withServerHeader оборачивает любой http.Handler, добавляя
// заголовок "Server: chicha-shape-map/<CompileVersion>".
//
// На запрос HEAD к “/” сразу отвечает 200 OK без тела, чтобы
// показать, что сервис жив.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "chicha-shape-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain запускает:
//   - :80:  ACME HTTP-01 + 301-redirect на https://<domain>/…
//   - :443: HTTPS с автоматическими сертификатами Let’s Encrypt.
//
// Если autocert не может выдать cert для чужого SNI, отдаём ранее
// полученный fallback-cert. Все ошибки только логируются.
func serveWithDomain(ctx context.Context, domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	// ----------- :80 (challenge + redirect) -----------
	mux80 := http.NewServeMux()
	mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
	mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	srv80 := &http.Server{Addr: ":80", Handler: mux80, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := srv80.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// ----------- ежедневная проверка сертификата -----------
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
					log.Printf("autocert renewal check: %v", err)
				}
			}
		}
	}()

	// ----------- :443 (HTTPS) -----------
	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12

	fallback := make(chan *tls.Certificate, 1)
	go func() {
		for {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				fallback <- c
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
		}
	}()
	var defaultCert *tls.Certificate
	getCert := tlsCfg.GetCertificate
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := getCert(chi)
		if err == nil {
			return c, nil
		}
		select {
		case c := <-fallback:
			defaultCert = c
		default:
		}
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, err
	}

	srv443 := &http.Server{Addr: ":443", Handler: handler, TLSConfig: tlsCfg, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown(srv80)
		shutdown(srv443)
	}()

	log.Printf("HTTPS server for %s ➜ :443", domain)
	if err := srv443.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("HTTPS server error: %v", err)
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown %s: %v", srv.Addr, err)
	}
}

// isClientDisconnect returns true for network errors indicating that the client
// has gone away while we were writing the response. These are normal and
// should not be logged as errors.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

// =====================
// WEB: главная карта
// =====================
func mapHandler(cfg config.Config) http.HandlerFunc {
	data := struct {
		Version     string
		Accept      string
		DefaultLat  float64
		DefaultLon  float64
		DefaultZoom int
	}{
		Version:     CompileVersion,
		Accept:      strings.Join(cfg.ArchiveExtensions, ","),
		DefaultLat:  cfg.DefaultLat,
		DefaultLon:  cfg.DefaultLon,
		DefaultZoom: cfg.DefaultZoom,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/map" {
			http.NotFound(w, r)
			return
		}
		// Рендерим в буфер, чтобы не дублировать WriteHeader
		var buf bytes.Buffer
		if err := mapTemplate.Execute(&buf, data); err != nil {
			log.Printf("Error executing template: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := buf.WriteTo(w); err != nil && !isClientDisconnect(err) {
			log.Printf("Error writing response: %v", err)
		}
	}
}

// qrPngHandler renders a QR code linking to the map focused on ?layer=.
// The pin in the middle takes the layer's color.
func qrPngHandler(reg *layers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("layer")
		pin := color.RGBA{}
		target := url.URL{Scheme: "http", Host: r.Host, Path: "/"}
		if r.TLS != nil {
			target.Scheme = "https"
		}
		if name != "" {
			l, ok := reg.Get(name)
			if !ok {
				http.Error(w, fmt.Sprintf("layer %q not found", name), http.StatusNotFound)
				return
			}
			if c, ok := qrlogoext.ParseHexColor(l.Color); ok {
				pin = c
			}
			target.RawQuery = url.Values{"layer": {name}}.Encode()
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Disposition", "inline; filename=\"qr.png\"")
		if err := qrlogoext.EncodePNG(w, []byte(target.String()), qrlogoext.Options{TargetPx: 1024, Pin: pin}); err != nil {
			http.Error(w, "QR encode: "+err.Error(), http.StatusInternalServerError)
		}
	}
}

// openJournal returns nil when the journal is disabled.
func openJournal(ctx context.Context, cfg config.Config) (*database.Database, error) {
	dbCfg := database.Config{DBType: cfg.DBType, DBPath: cfg.DBPath, DBConn: cfg.DBConn}
	if !dbCfg.Enabled() {
		return nil, nil
	}
	db, err := database.NewDatabase(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// loadConfig merges defaults, the optional YAML file and explicit flags.
func loadConfig() (config.Config, error) {
	// -config has to be known before the file can be read, so flags are
	// bound to defaults first and only applied on top of the file.
	defaults := config.Defaults()
	flags := defaults.Bind(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	flags.Apply(&cfg)
	return cfg, cfg.Validate()
}

func main() {
	// 1. Флаги и версии
	cfg, err := loadConfig()
	if *version {
		fmt.Printf("chicha-shape-map version %s\n", CompileVersion)
		return
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 2. Предупреждение о привилегиях (для :80 / :443)
	if cfg.Domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Журнал загрузок
	journal, err := openJournal(ctx, cfg)
	if err != nil {
		log.Fatalf("ingest journal: %v", err)
	}
	if journal != nil {
		defer journal.Close()
		log.Printf("ingest journal: %s", journal.Driver)
	}

	// 4. Конвейер
	registry := layers.NewRegistry()
	pipeline := &ingest.Pipeline{
		Inspector: ingest.NewInspector(ingest.InspectorConfig{
			ScratchRoot:      cfg.ScratchDir,
			Extensions:       cfg.ArchiveExtensions,
			MaxUnpackedBytes: cfg.MaxUnpackedBytes,
			MaxEntries:       cfg.MaxEntries,
		}),
		Materializer: ingest.NewMaterializer(cfg.MissingProjection, ingest.NewPalette(ingest.PaletteConfig{
			Seed:        cfg.Seed,
			OpacityMode: cfg.OpacityMode,
			Opacity:     cfg.Opacity,
			OpacityMin:  cfg.OpacityMin,
			OpacityMax:  cfg.OpacityMax,
		})),
		Registry: registry,
		Timeout:  cfg.IngestTimeout,
		Workers:  cfg.Workers,
	}
	if journal != nil {
		pipeline.Journal = journal
	}

	cache := api.NewResponseCache(cfg.CacheTTL)
	defer cache.Close()
	apiHandler := &api.Handler{
		Registry:       registry,
		Pipeline:       pipeline,
		Journal:        journal,
		Cache:          cache,
		Limiter:        api.NewRateLimiter(cfg.UploadsPerIP),
		Events:         layerstream.NewBus(64),
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logf:           log.Printf,
	}

	// 5. Маршруты
	mux := http.NewServeMux()
	apiHandler.Register(mux)
	mux.HandleFunc("GET /", mapHandler(cfg))
	mux.HandleFunc("GET /qrpng", qrPngHandler(registry))

	rootHandler := withServerHeader(gzhttp.GzipHandler(mux))

	// 6. HTTP/HTTPS-серверы
	if cfg.Domain != "" {
		serveWithDomain(ctx, cfg.Domain, rootHandler)
		return
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           rootHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown(srv)
	}()
	log.Printf("HTTP server ➜ http://localhost%s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("HTTP server error: %v", err)
	}
}
