package database

import (
	"context"

	"github.com/expofab/portal/internal/models"
	"github.com/google/uuid"
)

func (d *Database) CreateProject(project *models.Project) error {
	return d.db.Create(project).Error
}

func (d *Database) GetProject(id string) (*models.Project, error) {
	var project models.Project
	if err := d.db.Preload("Members").First(&project, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

func (d *Database) GetUserProjects(userID string) ([]models.Project, error) {
	var projects []models.Project
	err := d.db.
		Joins("JOIN project_members pm ON pm.project_id = projects.id").
		Where("pm.user_id = ?", userID).
		Find(&projects).Error
	if err != nil {
		return nil, err
	}
	return projects, nil
}

func (d *Database) AddProjectMember(projectID, userID string) error {
	var project models.Project
	var user models.User

	if err := d.db.First(&project, "id = ?", projectID).Error; err != nil {
		return err
	}

	if err := d.db.First(&user, "id = ?", userID).Error; err != nil {
		return err
	}

	return d.db.Model(&project).Association("Members").Append(&user)
}

func (d *Database) RemoveProjectMember(projectID, userID string) error {
	var project models.Project
	var user models.User

	if err := d.db.First(&project, "id = ?", projectID).Error; err != nil {
		return err
	}

	if err := d.db.First(&user, "id = ?", userID).Error; err != nil {
		return err
	}

	return d.db.Model(&project).Association("Members").Delete(&user)
}

// IsProjectMember answers the room-join authorization question: only confirmed
// members of a project may enter its chat room.
func (d *Database) IsProjectMember(ctx context.Context, projectID, userID uuid.UUID) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Table("project_members").
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
