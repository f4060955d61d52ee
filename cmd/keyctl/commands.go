package main

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/pflag"

	"github.com/xenking/keychain/internal/domain/keychain"
)

// keyFlags describe key material on the command line.
type keyFlags struct {
	scheme  string
	key     string
	keyFile string
}

func (k *keyFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&k.scheme, "type", string(keychain.SchemeHMAC), "key type: hmac or public")
	fs.StringVar(&k.key, "key", "", "hmac secret, or base64 DER SubjectPublicKeyInfo for public keys")
	fs.StringVar(&k.keyFile, "key-file", "", "read the key from a file; public keys may be PEM")
}

// material returns the scheme and raw key bytes.
func (k *keyFlags) material() (keychain.Scheme, []byte, error) {
	scheme, err := keychain.ParseScheme(k.scheme)
	if err != nil {
		return "", nil, err
	}

	var raw []byte
	switch {
	case k.key != "" && k.keyFile != "":
		return "", nil, errors.New("--key and --key-file are mutually exclusive")
	case k.keyFile != "":
		if raw, err = os.ReadFile(k.keyFile); err != nil {
			return "", nil, errors.Wrap(err, "read key file")
		}
		if scheme == keychain.SchemePublic {
			if block, _ := pem.Decode(raw); block != nil {
				return scheme, block.Bytes, nil
			}
		}
		if scheme == keychain.SchemeHMAC {
			return scheme, []byte(strings.TrimRight(string(raw), "\r\n")), nil
		}
	case k.key != "":
		raw = []byte(k.key)
	default:
		return "", nil, errors.New("--key or --key-file is required")
	}

	if scheme == keychain.SchemePublic {
		der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return "", nil, errors.Wrap(err, "decode public key")
		}
		return scheme, der, nil
	}
	return scheme, raw, nil
}

func parseFlags(name string, args []string, register ...func(*pflag.FlagSet)) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	for _, r := range register {
		r(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs, nil
}

func runAdd(ctx context.Context, args []string, out io.Writer) error {
	var (
		key   keyFlags
		perms []string
	)
	store, err := newStoreFlags()
	if err != nil {
		return err
	}
	if _, err := parseFlags("add", args, store.register, key.register, func(fs *pflag.FlagSet) {
		fs.StringArrayVar(&perms, "perm", nil, "permission to grant; repeatable")
	}); err != nil {
		return err
	}
	scheme, material, err := key.material()
	if err != nil {
		return err
	}

	r, closeStore, err := store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	fp, err := r.Add(ctx, keychain.Descriptor{Scheme: scheme, Material: material, Permissions: perms})
	if err != nil {
		return errors.Wrap(err, "add key")
	}
	fmt.Fprintln(out, fp)
	return nil
}

func runRemove(ctx context.Context, args []string, _ io.Writer) error {
	store, err := newStoreFlags()
	if err != nil {
		return err
	}
	fs, err := parseFlags("remove", args, store.register)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: keyctl remove <fingerprint>")
	}

	r, closeStore, err := store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return r.Remove(ctx, keychain.Fingerprint(fs.Arg(0)))
}

func runGrant(ctx context.Context, args []string, out io.Writer) error {
	return changePermissions(ctx, "grant", args, out, (*keychain.Registry).AddPermissions)
}

func runRevoke(ctx context.Context, args []string, out io.Writer) error {
	return changePermissions(ctx, "revoke", args, out, (*keychain.Registry).RemovePermissions)
}

func changePermissions(
	ctx context.Context,
	name string,
	args []string,
	_ io.Writer,
	apply func(*keychain.Registry, context.Context, keychain.Fingerprint, []string) error,
) error {
	store, err := newStoreFlags()
	if err != nil {
		return err
	}
	fs, err := parseFlags(name, args, store.register)
	if err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.Errorf("usage: keyctl %s <fingerprint> <perm>...", name)
	}

	r, closeStore, err := store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	fp := keychain.Fingerprint(fs.Arg(0))
	if _, ok := r.Get(fp); !ok {
		return errors.Errorf("key %s is not registered", fp)
	}
	return apply(r, ctx, fp, fs.Args()[1:])
}

func runList(ctx context.Context, args []string, out io.Writer) error {
	store, err := newStoreFlags()
	if err != nil {
		return err
	}
	if _, err := parseFlags("list", args, store.register); err != nil {
		return err
	}

	r, closeStore, err := store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, rec := range r.List() {
		fmt.Fprintf(out, "%s\t%s\n", rec.Fingerprint, strings.Join(rec.Permissions, ","))
	}
	return nil
}

func runFingerprint(_ context.Context, args []string, out io.Writer) error {
	var key keyFlags
	if _, err := parseFlags("fingerprint", args, key.register); err != nil {
		return err
	}
	scheme, material, err := key.material()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, keychain.FingerprintOf(scheme, material))
	return nil
}

func runToken(_ context.Context, args []string, out io.Writer) error {
	var (
		secret string
		id     string
		ttl    time.Duration
	)
	if _, err := parseFlags("token", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&secret, "secret", "", "hmac secret registered in the keychain")
		fs.StringVar(&id, "id", "", "token subject")
		fs.DurationVar(&ttl, "ttl", 0, "token lifetime; zero mints a token without expiry")
	}); err != nil {
		return err
	}
	if secret == "" || id == "" {
		return errors.New("--secret and --id are required")
	}
	if strings.Contains(id, ".") {
		return errors.New("--id must not contain '.'")
	}

	data := id
	expiry := ""
	if ttl > 0 {
		expiry = keychain.FormatExpiry(time.Now().Add(ttl))
		data += "/" + expiry
	}
	token := "hmac." + id + "." + string(keychain.SignHMAC([]byte(secret), data))
	if expiry != "" {
		token += "." + expiry
	}
	fmt.Fprintln(out, token)
	return nil
}
