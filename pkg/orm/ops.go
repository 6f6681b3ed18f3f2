package orm

import (
	"context"

	"github.com/pingcap/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hanfei1991/dagsched/model"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

// metaOps holds the queries shared by Client and Tx. Every conditional
// update reports whether a row was changed.
type metaOps struct {
	db *gorm.DB
}

func opFail(err error) error {
	return derrors.ErrMetaOpFail.Wrap(err).GenWithStackByArgs()
}

func (o *metaOps) updated(res *gorm.DB) (bool, error) {
	if res.Error != nil {
		return false, opFail(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (o *metaOps) affected(res *gorm.DB) (int64, error) {
	if res.Error != nil {
		return 0, opFail(res.Error)
	}
	return res.RowsAffected, nil
}

// ---------------------------------------------------------------- job

// AddJob inserts job.
func (o *metaOps) AddJob(ctx context.Context, job *model.Job) error {
	if err := o.db.WithContext(ctx).Create(job).Error; err != nil {
		return opFail(err)
	}
	return nil
}

// UpdateJob saves every field of job, conditional on its version.
func (o *metaOps) UpdateJob(ctx context.Context, job *model.Job) (bool, error) {
	version := job.Version
	job.Version++
	res := o.db.WithContext(ctx).Model(&model.Job{}).
		Where("job_id = ? AND version = ?", job.JobID, version).
		Select("*").Omit("job_id", "created_at").
		Updates(job)
	ok, err := o.updated(res)
	if !ok {
		job.Version = version
	}
	return ok, err
}

// GetJob returns the job jobID.
func (o *metaOps) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	var job model.Job
	err := o.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Cause(err) == gorm.ErrRecordNotFound {
		return nil, derrors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	if err != nil {
		return nil, opFail(err)
	}
	return &job, nil
}

// DeleteJob deletes a disabled job and its depend edges.
func (o *metaOps) DeleteJob(ctx context.Context, jobID int64) (bool, error) {
	res := o.db.WithContext(ctx).
		Where("job_id = ? AND job_state = ?", jobID, model.JobStateDisable).
		Delete(&model.Job{})
	ok, err := o.updated(res)
	if err != nil || !ok {
		return ok, err
	}
	err = o.db.WithContext(ctx).
		Where("parent_job_id = ? OR child_job_id = ?", jobID, jobID).
		Delete(&model.Depend{}).Error
	if err != nil {
		return false, opFail(err)
	}
	return true, nil
}

// FindBeTriggeringJobs returns enabled jobs due before maxNextTriggerTime ms.
func (o *metaOps) FindBeTriggeringJobs(ctx context.Context, maxNextTriggerTime int64, limit int) ([]*model.Job, error) {
	var jobs []*model.Job
	err := o.db.WithContext(ctx).
		Where("job_state = ? AND next_trigger_time IS NOT NULL AND next_trigger_time < ?", model.JobStateEnable, maxNextTriggerTime).
		Order("next_trigger_time").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, opFail(err)
	}
	return jobs, nil
}

// UpdateNextTriggerTime moves the schedule of job forward. It only applies
// when the stored next trigger time still equals job.NextTriggerTime, so
// exactly one supervisor wins a trigger. next nil disables the job, except
// for fixed rate and fixed delay jobs which wait for the end of the run.
func (o *metaOps) UpdateNextTriggerTime(ctx context.Context, job *model.Job, next *int64) (bool, error) {
	updates := map[string]interface{}{
		"last_trigger_time": job.NextTriggerTime,
		"next_trigger_time": next,
		"version":           gorm.Expr("version + 1"),
	}
	if next == nil && !job.TriggerType.IsFixedType() {
		updates["job_state"] = model.JobStateDisable
	}
	q := o.db.WithContext(ctx).Model(&model.Job{}).Where("job_id = ?", job.JobID)
	if job.NextTriggerTime == nil {
		q = q.Where("next_trigger_time IS NULL")
	} else {
		q = q.Where("next_trigger_time = ?", *job.NextTriggerTime)
	}
	return o.updated(q.Updates(updates))
}

// UpdateFixedNextTriggerTime sets the next trigger time of a fixed rate or
// fixed delay job, conditional on the trigger time the schedule came from.
func (o *metaOps) UpdateFixedNextTriggerTime(ctx context.Context, jobID, lastTriggerTime, next int64) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.Job{}).
		Where("job_id = ? AND job_state = ? AND last_trigger_time = ?", jobID, model.JobStateEnable, lastTriggerTime).
		Updates(map[string]interface{}{
			"next_trigger_time": next,
			"version":           gorm.Expr("version + 1"),
		})
	return o.updated(res)
}

// DisableJob disables jobID.
func (o *metaOps) DisableJob(ctx context.Context, jobID int64) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.Job{}).
		Where("job_id = ? AND job_state = ?", jobID, model.JobStateEnable).
		Updates(map[string]interface{}{
			"job_state":         model.JobStateDisable,
			"next_trigger_time": nil,
			"version":           gorm.Expr("version + 1"),
		})
	return o.updated(res)
}

// ------------------------------------------------------------- depend

// AddDepends inserts parent/child edges.
func (o *metaOps) AddDepends(ctx context.Context, depends ...*model.Depend) error {
	if len(depends) == 0 {
		return nil
	}
	if err := o.db.WithContext(ctx).Create(depends).Error; err != nil {
		return opFail(err)
	}
	return nil
}

// DeleteDependsByChild removes the parents of child.
func (o *metaOps) DeleteDependsByChild(ctx context.Context, childJobID int64) error {
	err := o.db.WithContext(ctx).Where("child_job_id = ?", childJobID).Delete(&model.Depend{}).Error
	if err != nil {
		return opFail(err)
	}
	return nil
}

// FindChildJobIDs returns the jobs depending on parentJobID.
func (o *metaOps) FindChildJobIDs(ctx context.Context, parentJobID int64) ([]int64, error) {
	var ids []int64
	err := o.db.WithContext(ctx).Model(&model.Depend{}).
		Where("parent_job_id = ?", parentJobID).
		Order("child_job_id").
		Pluck("child_job_id", &ids).Error
	if err != nil {
		return nil, opFail(err)
	}
	return ids, nil
}

// -------------------------------------------------------------- group

// UpsertGroup creates or replaces a group.
func (o *metaOps) UpsertGroup(ctx context.Context, group *model.Group) error {
	err := o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"supervisor_token", "worker_token", "own_user", "dev_users", "updated_at"}),
	}).Create(group).Error
	if err != nil {
		return opFail(err)
	}
	return nil
}

// FindAllGroups returns every group.
func (o *metaOps) FindAllGroups(ctx context.Context) ([]*model.Group, error) {
	var groups []*model.Group
	if err := o.db.WithContext(ctx).Order("group_name").Find(&groups).Error; err != nil {
		return nil, opFail(err)
	}
	return groups, nil
}

// ------------------------------------------------------------ id block

// IDBlock is the persisted high water mark of an id sequence.
type IDBlock struct {
	BizTag string `gorm:"column:biz_tag;primaryKey;size:64"`
	MaxID  int64  `gorm:"column:max_id;not null"`
}

// TableName implements gorm's tabler.
func (IDBlock) TableName() string {
	return "sched_id_block"
}

// AllocIDBlock reserves the next step ids of bizTag and returns the first
// one. Concurrent allocators retry on a lost race.
func (o *metaOps) AllocIDBlock(ctx context.Context, bizTag string, step int64) (int64, error) {
	for {
		var block IDBlock
		err := o.db.WithContext(ctx).Where("biz_tag = ?", bizTag).First(&block).Error
		if errors.Cause(err) == gorm.ErrRecordNotFound {
			block = IDBlock{BizTag: bizTag, MaxID: step}
			res := o.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&block)
			if res.Error != nil {
				return 0, opFail(res.Error)
			}
			if res.RowsAffected > 0 {
				return 1, nil
			}
			continue
		}
		if err != nil {
			return 0, opFail(err)
		}

		res := o.db.WithContext(ctx).Model(&IDBlock{}).
			Where("biz_tag = ? AND max_id = ?", bizTag, block.MaxID).
			Update("max_id", block.MaxID+step)
		ok, err := o.updated(res)
		if err != nil {
			return 0, err
		}
		if ok {
			return block.MaxID + 1, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, errors.Trace(err)
		}
	}
}
