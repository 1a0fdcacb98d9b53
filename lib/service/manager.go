package service

import (
	"context"

	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/bus"
	"github.com/dsg-config/dconfigd/lib/util/logger"
)

func (s *Service) managerMethods() bus.MethodTable {
	return bus.MethodTable{
		"acquireManager":        s.acquireManager,
		"acquireManagerV2":      s.acquireManagerV2,
		"update":                s.update,
		"sync":                  s.sync,
		"reload":                s.reload,
		"removeUserData":        s.removeUserData,
		"setDelayReleaseTime":   s.setDelayReleaseTime,
		"delayReleaseTime":      s.delayReleaseTime,
		"enableVerboseLogging":  s.verboseLogging(true),
		"disableVerboseLogging": s.verboseLogging(false),
		"resourceSize":          s.resourceSize,
	}
}

func (s *Service) acquire(ctx context.Context, call *bus.Call, uid uint32, p AcquireParams) (interface{}, error) {
	path, err := s.srv.Acquire(ctx, call.Caller.Service, uid, p.AppID, p.Name, p.Subpath)
	if err != nil {
		return nil, err
	}
	s.bus.Subscribe(call.Caller.Service, path)
	return path, nil
}

// acquireManager opens a connection for the calling user.
func (s *Service) acquireManager(ctx context.Context, call *bus.Call) (interface{}, error) {
	var p AcquireParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	return s.acquire(ctx, call, call.Caller.UID, p)
}

// acquireManagerV2 opens a connection for an explicit uid. Only root may
// name a uid other than its own.
func (s *Service) acquireManagerV2(ctx context.Context, call *bus.Call) (interface{}, error) {
	var p AcquireParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if err := checkUID(call.Caller, p.UID); err != nil {
		return nil, err
	}
	return s.acquire(ctx, call, p.UID, p)
}

func checkUID(caller bus.Caller, uid uint32) error {
	if caller.UID == 0 || caller.UID == uid {
		return nil
	}
	log.WithFields(logger.Fields{
		"at":        "checkUID",
		"service":   caller.Service,
		"callerUID": caller.UID,
		"uid":       uid,
	}).Warn("foreign_uid_rejected")
	return oops.Wrapf(ErrAccessDenied, "uid %d may not act for uid %d", caller.UID, uid)
}

func (s *Service) update(ctx context.Context, call *bus.Call) (interface{}, error) {
	var p PathParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	return nil, s.srv.Update(ctx, p.Path)
}

func (s *Service) sync(ctx context.Context, call *bus.Call) (interface{}, error) {
	var p PathParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	return nil, s.srv.Sync(ctx, p.Path)
}

func (s *Service) reload(ctx context.Context, call *bus.Call) (interface{}, error) {
	return nil, s.srv.Reload(ctx)
}

func (s *Service) removeUserData(ctx context.Context, call *bus.Call) (interface{}, error) {
	var p UIDParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if err := checkUID(call.Caller, p.UID); err != nil {
		return nil, err
	}
	return nil, s.srv.RemoveUserData(ctx, p.UID)
}

func (s *Service) setDelayReleaseTime(ctx context.Context, call *bus.Call) (interface{}, error) {
	var p DelayParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	return nil, s.srv.SetDelayReleaseTime(ctx, p.MS)
}

func (s *Service) delayReleaseTime(ctx context.Context, call *bus.Call) (interface{}, error) {
	return s.srv.DelayReleaseTime(ctx)
}

func (s *Service) verboseLogging(enable bool) bus.HandlerFunc {
	return func(ctx context.Context, call *bus.Call) (interface{}, error) {
		logger.GetLogger().SetVerbose(enable)
		log.WithFields(logger.Fields{
			"service": call.Caller.Service,
			"verbose": enable,
		}).Info("verbose_logging_changed")
		return nil, nil
	}
}

func (s *Service) resourceSize(ctx context.Context, call *bus.Call) (interface{}, error) {
	return s.srv.ResourceCount(ctx)
}
