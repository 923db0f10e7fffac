package mkfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/ctree"
	"github.com/vorteil/vmkfs/pkg/device"
	"github.com/vorteil/vmkfs/pkg/elog"
)

// Result describes a constructed filesystem.
type Result struct {
	UUID            string
	NumBytes        uint64
	Allocation      Allocation
	Reclaimed       int
	Features        Features
	MetadataProfile Profile
	DataProfile     Profile
}

// withTransaction runs fn in a new transaction, committing if it succeeds
// and aborting otherwise.
func withTransaction(fs *ctree.FSInfo, fn func(trans *ctree.Transaction) error) error {

	trans, err := fs.StartTransaction()
	if err != nil {
		return err
	}

	err = fn(trans)
	if err != nil {
		trans.Abort(err)
		return err
	}

	return trans.Commit()
}

// AttachDevice adds a prepared secondary device to the filesystem. A device
// that is already a member is not an error: it is reported as not attached.
func AttachDevice(trans *ctree.Transaction, prep *device.Prep) (bool, error) {

	if prep.Err != nil {
		return false, classify("attach", prep.Err)
	}
	if prep.File == nil {
		return false, newError(DeviceUnavailable, "attach", "%s was not prepared", prep.Path)
	}

	fs := trans.FS()
	if fs.DeviceAlreadyInRoot(prep.File) {
		fs.Log.Debugf("%s is already part of the filesystem", prep.Path)
		return false, nil
	}

	_, err := fs.AddDevice(trans, prep.File, prep.Path, prep.DevByteCount)
	if errors.Is(err, ctree.ErrDeviceAlreadyKnown) {
		return false, nil
	}
	if err != nil {
		return false, classify("attach", err)
	}

	return true, nil
}

type builder struct {
	ctx   context.Context
	cfg   *Config
	opts  Options
	log   elog.Logger
	preps []*device.Prep
	fs    *ctree.FSInfo
	alloc Allocation
	res   *Result

	reclaimed int
}

// Make builds a filesystem spanning the given devices. The first device
// carries the bootstrap; every other device is attached afterwards. On
// failure the devices may hold a partial image marked with the temporary
// magic.
func Make(ctx context.Context, devices []string, opts Options) (*Result, error) {

	if ctx == nil {
		ctx = context.Background()
	}

	log := opts.Logger
	if log == nil {
		log = elog.Discard()
	}

	if len(devices) == 0 {
		return nil, newError(InvalidArgument, "make", "no devices given")
	}
	seen := make(map[string]bool)
	for _, path := range devices {
		if path == "" {
			return nil, newError(InvalidArgument, "make", "empty device path")
		}
		if seen[path] {
			return nil, newError(InvalidArgument, "make", "device %s given twice", path)
		}
		seen[path] = true
	}

	cfg, err := NewConfig(opts, len(devices))
	if err != nil {
		return nil, err
	}

	b := &builder{
		ctx:  ctx,
		cfg:  cfg,
		opts: opts,
		log:  log,
	}

	defer b.release()

	err = b.build(devices)
	if err != nil {
		return nil, err
	}

	return b.res, nil
}

// closeFS closes fs after construction ended with err. A close failure is
// only reported when there was no earlier error.
func (b *builder) closeFS(fs io.Closer, err error) error {
	cerr := fs.Close()
	if err != nil {
		if cerr != nil {
			b.log.Debugf("close after failure: %v", cerr)
		}
		return err
	}
	return classify("close", cerr)
}

func (b *builder) release() {
	for _, p := range b.preps {
		err := p.Close()
		if err != nil {
			b.log.Debugf("close %s: %v", p.Path, err)
		}
	}
}

func (b *builder) checkpoint(stage string) error {
	err := b.ctx.Err()
	if err != nil {
		return &Error{Kind: IO, Op: stage, Err: err}
	}
	b.log.Debugf("mkfs: %s", stage)
	return nil
}

func (b *builder) build(devices []string) error {

	cfg := b.cfg

	if !b.opts.Force {
		for _, path := range devices {
			err := device.TestForMkfs(path, false)
			if err != nil {
				return classify("probe", err)
			}
		}
	}

	err := b.checkpoint("prepare")
	if err != nil {
		return err
	}

	for i, path := range devices {
		b.preps = append(b.preps, &device.Prep{
			Path:      path,
			ByteCount: cfg.NumBytes,
			Exact:     i == 0,
			ZeroEnd:   cfg.NumBytes == 0,
			Discard:   !b.opts.NoDiscard,
			Log:       b.log.Scoped(path),
		})
	}

	err = device.PrepareAll(b.ctx, b.preps)
	if err != nil {
		return classify("prepare", err)
	}

	first := b.preps[0]
	if cfg.NumBytes > first.DevByteCount {
		return newError(NoSpace, "prepare", "%s holds %d bytes, %d requested", first.Path, first.DevByteCount, cfg.NumBytes)
	}

	if cfg.FSID == uuid.Nil {
		cfg.FSID = uuid.New()
	}

	err = b.checkpoint("bootstrap")
	if err != nil {
		return err
	}

	err = ctree.MakeBootstrap(first.File, ctree.BootstrapConfig{
		FSID:          cfg.FSID,
		ChunkTreeUUID: uuid.New(),
		DevUUID:       uuid.New(),
		Label:         cfg.Label,
		NodeSize:      cfg.NodeSize,
		SectorSize:    cfg.SectorSize,
		StripeSize:    cfg.StripeSize,
		CsumType:      cfg.Csum,
		Incompat:      cfg.Features.Incompat,
		CompatRO:      cfg.Features.CompatRO,
		DevSize:       first.DevByteCount,
	})
	if err != nil {
		return classify("bootstrap", err)
	}

	fs, err := ctree.Open([]ctree.BlockDevice{first.File}, ctree.OpenWrites|ctree.OpenTemporarySuper)
	if err != nil {
		return classify("open", err)
	}
	fs.Log = b.log
	b.fs = fs

	err = b.populate()
	if err != nil {
		return b.closeFS(fs, err)
	}

	fs.SetFinalized()

	err = b.closeFS(fs, nil)
	if err != nil {
		return err
	}

	b.res = &Result{
		UUID:            cfg.FSID.String(),
		NumBytes:        fs.TotalBytes(),
		Allocation:      b.alloc,
		Reclaimed:       b.reclaimed,
		Features:        cfg.Features,
		MetadataProfile: cfg.MetadataProfile,
		DataProfile:     cfg.DataProfile,
	}

	b.log.Infof("created filesystem %s: %d bytes on %d devices", b.res.UUID, b.res.NumBytes, len(devices))

	return nil
}

func (b *builder) populate() error {

	cfg := b.cfg
	fs := b.fs

	err := b.checkpoint("metadata block groups")
	if err != nil {
		return err
	}

	err = createMetadataBlockGroups(fs, cfg, &b.alloc)
	if err != nil {
		return classify("metadata block groups", err)
	}

	if cfg.hasIncompat(btrfs.FeatureIncompatRaidStripeTree) {
		err = setupRaidStripeTree(fs)
		if err != nil {
			return classify("raid stripe tree", err)
		}
	}

	if cfg.hasIncompat(btrfs.FeatureIncompatRemapTree) {
		err = setupRemapTree(fs)
		if err != nil {
			return classify("remap tree", err)
		}
	}

	err = b.checkpoint("root directory")
	if err != nil {
		return err
	}

	err = withTransaction(fs, func(trans *ctree.Transaction) error {
		err := createDataBlockGroups(trans, cfg, &b.alloc)
		if err != nil {
			return err
		}
		if cfg.hasIncompat(btrfs.FeatureIncompatExtentTreeV2) {
			err = createGlobalRoots(trans, cfg.GlobalRoots)
			if err != nil {
				return err
			}
		}
		return makeRootDir(trans)
	})
	if err != nil {
		return classify("root directory", err)
	}

	err = b.checkpoint("devices")
	if err != nil {
		return err
	}

	err = withTransaction(fs, func(trans *ctree.Transaction) error {
		for _, prep := range b.preps[1:] {
			attached, err := AttachDevice(trans, prep)
			if err != nil {
				return err
			}
			if attached {
				b.log.Debugf("attached %s (%d bytes)", prep.Path, prep.DevByteCount)
			}
		}
		return createRaidGroups(trans, cfg, &b.alloc)
	})
	if err != nil {
		return classify("devices", err)
	}

	err = b.checkpoint("recow")
	if err != nil {
		return err
	}

	err = withTransaction(fs, func(trans *ctree.Transaction) error {
		n, err := recowRoots(trans)
		if err != nil {
			return err
		}
		b.log.Debugf("rewrote %d tree blocks", n)
		if cfg.hasIncompat(btrfs.FeatureIncompatRemapTree) {
			return nil
		}
		return makeDataRelocTree(trans)
	})
	if err != nil {
		return classify("recow", err)
	}

	err = rebuildUUIDTree(fs)
	if err != nil {
		return classify("uuid tree", err)
	}

	err = b.checkpoint("cleanup")
	if err != nil {
		return err
	}

	b.reclaimed, err = cleanupTempChunks(fs, &b.alloc, cfg.dataFlags(), cfg.metaFlags(), cfg.metaFlags())
	if err != nil {
		return classify("cleanup", err)
	}
	if b.reclaimed > 0 {
		b.log.Debugf("reclaimed %d temporary chunks", b.reclaimed)
	}

	return nil
}

func (r *Result) String() string {
	return fmt.Sprintf("%s (%d bytes, metadata %s, data %s)", r.UUID, r.NumBytes, r.MetadataProfile, r.DataProfile)
}
