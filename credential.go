package tunnelkeeper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/term"

	lg "github.com/go-puzzles/puzzles/plog"
)

const credentialMode = os.FileMode(0o600)

// PromptFunc reads a secret from the operator without echoing it.
type PromptFunc func(prompt string) (string, error)

func terminalPrompt(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(err, "read secret from terminal")
	}
	return string(secret), nil
}

// CredentialStore persists the secrets used to authenticate sessions and owns
// the permission hygiene of their files. Operations on the same path are
// serialized; distinct paths do not contend.
type CredentialStore struct {
	prompt PromptFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCredentialStore returns a store that calls prompt when a secret is
// missing. A nil prompt reads from the terminal without echo.
func NewCredentialStore(prompt PromptFunc) *CredentialStore {
	if prompt == nil {
		prompt = terminalPrompt
	}
	return &CredentialStore{
		prompt: prompt,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (cs *CredentialStore) pathLock(path string) *sync.Mutex {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	l, ok := cs.locks[path]
	if !ok {
		l = new(sync.Mutex)
		cs.locks[path] = l
	}
	return l
}

// Obtain returns the secret stored at path, prompting for and persisting a
// fresh one when the file is missing or empty. An existing file with loose
// permission bits is tightened in place without touching its content.
func (cs *CredentialStore) Obtain(path, prompt string) (string, error) {
	l := cs.pathLock(path)
	l.Lock()
	defer l.Unlock()

	secret, err := readSecret(path)
	if err != nil {
		return "", err
	}
	if secret != "" {
		tightenMode(path)
		return secret, nil
	}

	secret, err = cs.prompt(prompt)
	if err != nil {
		return "", errors.Wrap(err, "prompt for secret")
	}
	if err := writeSecret(path, secret); err != nil {
		return "", err
	}
	lg.Infof("saved secret to %s with owner-only permissions", path)
	return secret, nil
}

// Invalidate deletes the secret at path so the next Obtain prompts again. A
// missing file is not an error.
func (cs *CredentialStore) Invalidate(path string) error {
	l := cs.pathLock(path)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove credential file %s", path)
	}
	return nil
}

func readSecret(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "read credential file %s", path)
	}
	return strings.TrimSpace(string(raw)), nil
}

func tightenMode(path string) {
	st, err := os.Stat(path)
	if err != nil || st.Mode().Perm() == credentialMode {
		return
	}
	if err := os.Chmod(path, credentialMode); err != nil {
		lg.Warnf("tighten permissions on %s: %v", path, err)
		return
	}
	lg.Warnf("credential file %s had mode %04o, tightened to %04o", path, st.Mode().Perm(), credentialMode)
}

func writeSecret(path, secret string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "create credential directory %s", dir)
		}
	}
	// Recreate rather than truncate so the restrictive mode always applies.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "replace credential file %s", path)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, credentialMode)
	if err != nil {
		return errors.Wrapf(err, "create credential file %s", path)
	}
	_, werr := f.WriteString(secret + "\n")
	cerr := f.Close()
	if werr != nil {
		return errors.Wrapf(werr, "write credential file %s", path)
	}
	return errors.Wrapf(cerr, "close credential file %s", path)
}
