/*
Spoold - composable mail processing engine.
Copyright © 2021-2023 Spoold contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package repository

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/spoold/spoold/framework/buffer"
	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/framework/module"
)

// FS is a Repository backed by a directory tree. Each mail is stored as
// three files, ID.meta (JSON envelope), ID.header and ID.body, so a message
// is complete exactly when its meta file is in place: the meta file is
// written last via rename, making Store crash-safe.
type FS struct {
	root string

	Log log.Logger
}

type fsMeta struct {
	MsgMeta    *module.MsgMetadata
	From       string
	RcptTo     []string
	State      string
	Attributes map[string]interface{}
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &FS{root: root}, nil
}

func (r *FS) dir(url string) (string, error) {
	if url == "" {
		return r.root, nil
	}
	if strings.Contains(url, "..") || strings.HasPrefix(url, "/") {
		return "", errors.New("repository: invalid store url")
	}
	return filepath.Join(r.root, filepath.FromSlash(url)), nil
}

func (r *FS) Store(_ context.Context, url string, m *module.Mail) error {
	if m.Meta == nil || m.Meta.ID == "" {
		return errors.New("repository: mail has no ID")
	}

	dir, err := r.dir(url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	id := m.Meta.ID

	headerPath := filepath.Join(dir, id+".header")
	headerFile, err := os.Create(headerPath)
	if err != nil {
		return err
	}
	defer headerFile.Close()

	if err := textproto.WriteHeader(headerFile, m.Header); err != nil {
		r.tryRemoveDanglingFile(headerPath)
		return err
	}

	bodyPath := filepath.Join(dir, id+".body")
	if err := r.storeBody(bodyPath, m.Body); err != nil {
		r.tryRemoveDanglingFile(headerPath)
		return err
	}

	if err := r.storeMeta(dir, id, m); err != nil {
		r.tryRemoveDanglingFile(bodyPath)
		r.tryRemoveDanglingFile(headerPath)
		return err
	}

	return headerFile.Sync()
}

func (r *FS) storeBody(path string, body buffer.Buffer) error {
	bodyReader, err := body.Open()
	if err != nil {
		return err
	}
	defer bodyReader.Close()

	bodyFile, err := os.Create(path)
	if err != nil {
		return err
	}
	defer bodyFile.Close()

	if _, err := io.Copy(bodyFile, bodyReader); err != nil {
		r.tryRemoveDanglingFile(path)
		return err
	}
	return bodyFile.Sync()
}

func (r *FS) storeMeta(dir, id string, m *module.Mail) error {
	meta := fsMeta{
		MsgMeta:    m.Meta.DeepCopy(),
		From:       m.From,
		RcptTo:     m.RcptTo,
		State:      m.State,
		Attributes: m.Attributes,
	}

	metaPath := filepath.Join(dir, id+".meta")
	file, err := os.Create(metaPath + ".new")
	if err != nil {
		return err
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(meta); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}

	return os.Rename(metaPath+".new", metaPath)
}

func (r *FS) List(_ context.Context, url string) ([]string, error) {
	dir, err := r.dir(url)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(entry.Name(), ".meta"))
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *FS) Get(_ context.Context, url, key string) (*module.Mail, error) {
	dir, err := r.dir(url)
	if err != nil {
		return nil, err
	}

	metaFile, err := os.Open(filepath.Join(dir, key+".meta"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSuchMail
		}
		return nil, err
	}
	defer metaFile.Close()

	var meta fsMeta
	if err := json.NewDecoder(metaFile).Decode(&meta); err != nil {
		return nil, err
	}

	headerFile, err := os.Open(filepath.Join(dir, key+".header"))
	if err != nil {
		return nil, err
	}
	defer headerFile.Close()

	header, err := textproto.ReadHeader(bufio.NewReader(headerFile))
	if err != nil {
		return nil, err
	}

	bodyPath := filepath.Join(dir, key+".body")
	bodyInfo, err := os.Stat(bodyPath)
	if err != nil {
		return nil, err
	}

	return &module.Mail{
		Meta:       meta.MsgMeta,
		From:       meta.From,
		RcptTo:     meta.RcptTo,
		Header:     header,
		Body:       buffer.FileBuffer{Path: bodyPath, LenHint: int(bodyInfo.Size())},
		State:      meta.State,
		Attributes: meta.Attributes,
	}, nil
}

func (r *FS) Remove(_ context.Context, url, key string) error {
	dir, err := r.dir(url)
	if err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(dir, key+".meta")); err != nil {
		if os.IsNotExist(err) {
			return ErrNoSuchMail
		}
		return err
	}

	// Order is important. The meta file goes first so a mail never looks
	// complete while its content files are already gone.
	if err := os.Remove(filepath.Join(dir, key+".meta")); err != nil {
		return err
	}
	r.tryRemoveDanglingFile(filepath.Join(dir, key+".header"))
	r.tryRemoveDanglingFile(filepath.Join(dir, key+".body"))
	return nil
}

func (r *FS) Count(ctx context.Context, url string) (int, error) {
	keys, err := r.List(ctx, url)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *FS) tryRemoveDanglingFile(path string) {
	if err := os.Remove(path); err != nil {
		r.Log.Error("unable to remove dangling file", err, "path", path)
		return
	}
	r.Log.Debugf("removed dangling file %s", path)
}
