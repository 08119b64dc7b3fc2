package main

/*
The groundhog server collects trace catalog records sent by radars and lets
recorded trace files be browsed and previewed over HTTP.
*/

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"image/png"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/config"
	"github.com/hb9tf/groundhog/export"
	"github.com/hb9tf/groundhog/extraction"
	"github.com/hb9tf/groundhog/filter"
	"github.com/hb9tf/groundhog/ghog"
)

var (
	configFile = flag.String("config", "", "Config file to read instead of searching for groundhog.toml. Flags given on the command line override its [server] section.")
	listen     = flag.String("listen", ":8443", "")
	certFile   = flag.String("certFile", "", "Path of the file containing the certificate (including the chained intermediates and root) for the TLS connection.")
	keyFile    = flag.String("keyFile", "", "Path of the file containing the key for the TLS connection.")
	dataDir    = flag.String("dataDir", ".", "Directory holding the recorded trace files.")
	output     = flag.String("output", "", "Catalog for collected records (one of: csv, sqlite, mysql; empty to refuse records)")

	// Filters
	filterIdentifier = flag.String("filterIdentifier", "", "Comma separated radar identifiers to keep (empty keeps all).")
	filterMinPeak    = flag.Int64("filterMinPeak", 0, "Drop records with a smaller peak amplitude.")
	filterStartRaw   = flag.String("filterStart", "", "Drop records collected before this time. Format: 2006-01-02T15:04:05")
	filterEndRaw     = flag.String("filterEnd", "", "Drop records collected after this time. Format: 2006-01-02T15:04:05")

	// SQLite
	sqliteFile = flag.String("sqliteFile", "/tmp/groundhog.db", "File path of the sqlite DB file to use.")

	// MySQL
	mysqlServer       = flag.String("mysqlServer", "127.0.0.1:3306", "MySQL TCP server endpoint to connect to (IP/DNS and port).")
	mysqlUser         = flag.String("mysqlUser", "", "MySQL DB user.")
	mysqlPasswordFile = flag.String("mysqlPasswordFile", "", "Path to the file containing the password for the MySQL user.")
	mysqlDBName       = flag.String("mysqlDBName", "groundhog", "Name of the DB to use.")
)

const (
	apiPrefix = "/groundhog/v1"
	timeFmt   = "2006-01-02T15:04:05"

	defaultQuicklookWidth = 1000
)

var errBadName = errors.New("not a trace file name")

// Catalog looks up the records of a trace file.
type Catalog interface {
	Lookup(ctx context.Context, file string) ([]export.Record, error)
}

type GroundhogServer struct {
	dataDir string
	// records is nil when no catalog is configured.
	records chan<- export.Record
	catalog Catalog
}

type fileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

type fileDetail struct {
	Name     string          `json:"name"`
	Header   ghog.Header     `json:"header"`
	Traces   uint64          `json:"traces"`
	First    time.Time       `json:"first"`
	Last     time.Time       `json:"last"`
	Complete bool            `json:"complete"`
	Records  []export.Record `json:"records,omitempty"`
}

// path resolves a file name from a request to a trace file in the data
// directory. Anything that is not a plain *.ghog name is refused.
func (s *GroundhogServer) path(name string) (string, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ghog.Extension) {
		return "", errBadName
	}
	return filepath.Join(s.dataDir, name), nil
}

// file resolves the :name parameter and aborts the request if it does not name
// an existing trace file.
func (s *GroundhogServer) file(c *gin.Context) (string, bool) {
	p, err := s.path(c.Param("name"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	if _, err := os.Stat(p); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, fs.ErrNotExist) {
			status = http.StatusNotFound
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "no such file: " + c.Param("name")})
		return "", false
	}
	return p, true
}

func (s *GroundhogServer) collectHandler(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no catalog configured"})
		return
	}
	records := []export.Record{}
	if err := c.ShouldBindJSON(&records); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, r := range records {
		s.records <- r
	}
	glog.V(2).Infof("collected %d records from %s", len(records), c.ClientIP())
	c.JSON(http.StatusOK, export.CollectResponse{Status: "ok", RecordCount: len(records)})
}

func (s *GroundhogServer) listHandler(c *gin.Context) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	files := []fileEntry{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ghog.Extension) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			glog.Warningf("unable to stat %s: %s", e.Name(), err)
			continue
		}
		files = append(files, fileEntry{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	c.JSON(http.StatusOK, files)
}

func (s *GroundhogServer) detailHandler(c *gin.Context) {
	p, ok := s.file(c)
	if !ok {
		return
	}
	sum, err := ghog.Summarize(p)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	d := fileDetail{
		Name:     filepath.Base(p),
		Header:   sum.Header,
		Traces:   sum.Traces,
		First:    sum.First,
		Last:     sum.Last,
		Complete: sum.Complete,
	}
	if s.catalog != nil {
		recs, err := s.catalog.Lookup(c.Request.Context(), d.Name)
		if err != nil {
			glog.Warningf("catalog lookup of %s failed: %s", d.Name, err)
		}
		d.Records = recs
	}
	c.JSON(http.StatusOK, d)
}

func (s *GroundhogServer) quicklookHandler(c *gin.Context) {
	p, ok := s.file(c)
	if !ok {
		return
	}
	opts := extraction.Options{Width: defaultQuicklookWidth, PClip: extraction.DefaultPClip}
	var err error
	if v := c.Query("width"); v != "" {
		if opts.Width, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad width: " + err.Error()})
			return
		}
	}
	if v := c.Query("tpow"); v != "" {
		if opts.TPow, err = strconv.ParseFloat(v, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad tpow: " + err.Error()})
			return
		}
	}
	if v := c.Query("pclip"); v != "" {
		if opts.PClip, err = strconv.ParseFloat(v, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad pclip: " + err.Error()})
			return
		}
	}
	if v := c.Query("grid"); v != "" {
		if opts.AddGrid, err = strconv.ParseBool(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad grid: " + err.Error()})
			return
		}
	}

	r, err := ghog.Open(p)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	defer r.Close()
	res, err := extraction.Radargram(r, opts)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, res.Image); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// logRequests logs every request through glog instead of gin's own logger.
func logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		glog.V(1).Infof("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func newRouter(s *GroundhogServer) *gin.Engine {
	r := gin.New()
	r.Use(logRequests(), gin.Recovery())
	api := r.Group(apiPrefix)
	api.POST("/collect", s.collectHandler)
	api.GET("/files", s.listHandler)
	api.GET("/files/:name", s.detailHandler)
	api.GET("/files/:name/quicklook.png", s.quicklookHandler)
	return r
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFmt, raw)
}

func filters() ([]filter.Filterer, error) {
	var flt []filter.Filterer
	if *filterIdentifier != "" {
		flt = append(flt, &filter.FilterIdentifier{Identifiers: strings.Split(*filterIdentifier, ",")})
	}
	if *filterMinPeak > 0 {
		flt = append(flt, &filter.FilterPeak{Min: *filterMinPeak})
	}
	start, err := parseTime(*filterStartRaw)
	if err != nil {
		return nil, err
	}
	end, err := parseTime(*filterEndRaw)
	if err != nil {
		return nil, err
	}
	if !start.IsZero() || !end.IsZero() {
		flt = append(flt, &filter.FilterTime{Start: start, End: end})
	}
	return flt, nil
}

func main() {
	ctx := context.Background()
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configFile)
	if err != nil {
		glog.Exit(err)
	}
	if err := config.Apply(flag.CommandLine, cfg, "server"); err != nil {
		glog.Exitf("invalid config: %s", err)
	}

	s := &GroundhogServer{dataDir: *dataDir}

	// Exporter setup
	var exporter export.Exporter
	switch strings.ToLower(*output) {
	case "":
		glog.Warning("no -output configured, collected records are refused")
	case "csv":
		exporter = &export.CSV{}
	case "sqlite":
		db, err := export.OpenSQLite(*sqliteFile)
		if err != nil {
			glog.Exit(err)
		}
		exporter, s.catalog = db, db
	case "mysql":
		db, err := export.OpenMySQL(export.MySQLConfig{
			Server:       *mysqlServer,
			User:         *mysqlUser,
			PasswordFile: *mysqlPasswordFile,
			DBName:       *mysqlDBName,
		})
		if err != nil {
			glog.Exit(err)
		}
		exporter, s.catalog = db, db
	default:
		glog.Exitf("%q is not a supported export method, pick one of: csv, sqlite, mysql", *output)
	}

	// Export records.
	if exporter != nil {
		flt, err := filters()
		if err != nil {
			glog.Exitf("invalid filter: %s", err)
		}
		records := make(chan export.Record, 1000)
		s.records = records
		go func() {
			if err := filter.Wrap(exporter, flt...).Write(ctx, records); err != nil {
				glog.Fatal(err)
			}
		}()
	}

	// Configure and run webserver.
	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    *listen,
		Handler: newRouter(s),
	}
	glog.Infof("serving %s on %s", *dataDir, *listen)
	if *certFile != "" || *keyFile != "" {
		glog.Fatal(server.ListenAndServeTLS(*certFile, *keyFile))
	} else {
		glog.Infoln("Resorting to serving HTTP because there was no certificate and key defined.")
		glog.Fatal(server.ListenAndServe())
	}
}
