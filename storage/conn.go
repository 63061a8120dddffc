package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	LOG "github.com/vinllen/log4go"
)

const (
	OplogDatabase   = "local"
	OplogCollection = "oplog.rs"
	OplogNS         = OplogDatabase + "." + OplogCollection
)

// Conn wraps a mongo-driver client the way the teacher's
// utils.MongoCommunityConn does: one connection, one context, TLS/timeout
// setup folded into construction.
type Conn struct {
	Client *mongo.Client
	URL    string
	ctx    context.Context
}

// NewConn connects to url, optionally pinned to a root CA file. Grounded on
// common/community_client.go's NewMongoCommunityConn, trimmed to what this
// engine actually needs (no read/write-concern knob plumbing — the apply
// engine only ever writes locally with the storage engine's own durability
// semantics, per spec §1 Non-goals).
func NewConn(url string, sslRootCAFile string) (*Conn, error) {
	clientOpts := options.Client().ApplyURI(url)

	if sslRootCAFile != "" {
		tlsConfig := new(tls.Config)
		if err := addCACertFromFile(tlsConfig, sslRootCAFile); err != nil {
			return nil, fmt.Errorf("load rootCaFile[%v] failed: %v", sslRootCAFile, err)
		}
		tlsConfig.InsecureSkipVerify = true
		clientOpts.SetTLSConfig(tlsConfig)
	}

	clientOpts.SetConnectTimeout(20 * time.Minute)

	ctx := context.Background()
	client, err := mongo.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("new client failed: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s failed: %v", redactURL(url), err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping to %v failed: %v", redactURL(url), err)
	}

	LOG.Info("storage: connected to %s", redactURL(url))
	return &Conn{Client: client, URL: url, ctx: ctx}, nil
}

func (c *Conn) Close() {
	LOG.Info("storage: closing connection to %s", redactURL(c.URL))
	c.Client.Disconnect(c.ctx)
}

func (c *Conn) HasOplogNs() bool {
	names, err := c.Client.Database(OplogDatabase).ListCollectionNames(c.ctx, bson.M{"name": OplogCollection})
	if err != nil {
		LOG.Warn("storage: list collections on local failed: %v", err)
		return false
	}
	for _, n := range names {
		if n == OplogCollection {
			return true
		}
	}
	return false
}

func addCACertFromFile(cfg *tls.Config, file string) error {
	data, err := ioutil.ReadFile(file)
	if err != nil {
		return err
	}
	certBytes, err := loadCertBytes(data)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return err
	}
	if cfg.RootCAs == nil {
		cfg.RootCAs = x509.NewCertPool()
	}
	cfg.RootCAs.AddCert(cert)
	return nil
}

func loadCertBytes(data []byte) ([]byte, error) {
	for {
		if len(data) == 0 {
			return nil, fmt.Errorf(".pem file must contain a CERTIFICATE section")
		}
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("invalid .pem file")
		}
		if block.Type == "CERTIFICATE" {
			return block.Bytes, nil
		}
		data = rest
	}
}

func redactURL(url string) string {
	// mirrors utils.BlockMongoUrlPassword: blank out everything between
	// "://" and the next "@".
	atIdx := -1
	schemeEnd := -1
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			schemeEnd = i + 3
			break
		}
	}
	if schemeEnd == -1 {
		return url
	}
	for i := schemeEnd; i < len(url); i++ {
		if url[i] == '@' {
			atIdx = i
			break
		}
	}
	if atIdx == -1 {
		return url
	}
	return url[:schemeEnd] + "***" + url[atIdx:]
}
