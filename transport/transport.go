// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package transport wraps TCP connections in TLS. Authentication of peers is
// not TLS's job here: the certificate is never checked against a CA, because
// a node's real identity is its Ed25519 keypair, proven by the signature on
// every envelope it sends (see package identity and package protocol). TLS
// is used only to stop a passive observer from reading the wire in the
// clear.
package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/sentineld/sentinel/netutil"
)

// HandshakeTimeout bounds how long the TLS handshake may take before the
// connection is abandoned.
const HandshakeTimeout = 10 * time.Second

// config returns a tls.Config that never validates the peer's certificate
// against a trust root: VerifyPeerCertificate always accepts, matching the
// original's DangerVerifier. Application-layer signatures are the real
// authentication boundary.
func config(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			return nil
		},
		MinVersion: tls.VersionTLS12,
	}
}

// LoadOrGenerateCert loads a PEM certificate/key pair from certPath/keyPath
// if both exist, otherwise generates a throwaway self-signed ECDSA P-256
// certificate and does not persist it: a restarted node gets a fresh
// certificate every time, since TLS identity is not node identity here.
func LoadOrGenerateCert(certPath, keyPath string) (tls.Certificate, error) {
	if certPath != "" && keyPath != "" {
		if _, err := os.Stat(certPath); err == nil {
			if _, err := os.Stat(keyPath); err == nil {
				cert, err := tls.LoadX509KeyPair(certPath, keyPath)
				if err != nil {
					return tls.Certificate{}, fmt.Errorf("transport: load cert pair: %w", err)
				}
				return cert, nil
			}
		}
	}
	return generateSelfSigned()
}

func generateSelfSigned() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: generate cert key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"sentinel"}, CommonName: "sentinel-node"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: create cert: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  priv,
		Leaf:        template,
	}, nil
}

// Listener wraps a TLS listener bound to a local address.
type Listener struct {
	net.Listener
}

// Listen binds addr and wraps the listener in TLS using cert.
func Listen(addr string, cert tls.Certificate) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	tlsLn := tls.NewListener(ln, config(cert))
	return &Listener{Listener: tlsLn}, nil
}

// ListenReusable binds addr with SO_REUSEADDR/SO_REUSEPORT set (via
// netutil.ListenReusable) before wrapping it in TLS, so the same local port
// can later be rebound by netutil.DialPunch for simultaneous-open hole
// punching. The engine's main accept listener must be created this way:
// a plain Listen here would hold the port in a mode the kernel refuses to
// rebind, and every subsequent DialPunch attempt on that port would fail.
func ListenReusable(addr string, cert tls.Certificate) (*Listener, error) {
	ln, err := netutil.ListenReusable(addr)
	if err != nil {
		return nil, err
	}
	tlsLn := tls.NewListener(ln, config(cert))
	return &Listener{Listener: tlsLn}, nil
}

// Accept waits for and returns a handshaken TLS connection, bounding the
// handshake by HandshakeTimeout. A connection whose handshake fails is
// closed and skipped; Accept keeps waiting for the next one.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			return nil, fmt.Errorf("transport: accepted connection is not TLS")
		}
		if err := handshake(tlsConn); err != nil {
			tlsConn.Close()
			continue
		}
		return tlsConn, nil
	}
}

// Dial performs a client-side TLS handshake over the given raw connection
// (already hole-punched, or a plain net.Dial result).
func Dial(conn net.Conn, cert tls.Certificate) (net.Conn, error) {
	tlsConn := tls.Client(conn, config(cert))
	if err := handshake(tlsConn); err != nil {
		tlsConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func handshake(conn *tls.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return fmt.Errorf("transport: set handshake deadline: %w", err)
	}
	if err := conn.Handshake(); err != nil {
		return fmt.Errorf("transport: handshake: %w", err)
	}
	return conn.SetDeadline(time.Time{})
}
